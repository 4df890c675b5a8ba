package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_READ_TIMEOUT     = 15 * time.Second
	DEFAULT_WRITE_TIMEOUT    = 30 * time.Second
	DEFAULT_SHUTDOWN_TIMEOUT = 30 * time.Second
	GRACEFUL_ENVIRON_KEY     = "IS_GRACEFUL"
	GRACEFUL_ENVIRON_VALUE   = GRACEFUL_ENVIRON_KEY + "=1"
	GRACEFUL_LISTENER_FD     = 3
)

// Server wraps http.Server with signal-driven graceful shutdown and SIGUSR2
// zero-downtime restart (the listener fd is handed to a forked child).
type Server struct {
	*http.Server

	ShutdownTimeout time.Duration
	listener        net.Listener
	isGraceful      bool
}

// NewServer creates a Server with the default timeouts.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		Server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       DEFAULT_READ_TIMEOUT,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      DEFAULT_WRITE_TIMEOUT,
		},
		ShutdownTimeout: DEFAULT_SHUTDOWN_TIMEOUT,
		isGraceful:      os.Getenv(GRACEFUL_ENVIRON_KEY) != "",
	}
}

// ListenAndServe listens on Addr (or the inherited fd after a restart) and serves
// until ctx is done or a termination signal arrives.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	ln, err := srv.getNetListener()
	if err != nil {
		return err
	}
	return srv.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done or SIGTERM/SIGINT arrives, then drains
// in-flight requests. A clean shutdown returns nil.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv.listener = ln
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Server.Serve(ln) }()

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
			Logger.Info("context done, shutting down HTTP server")
			return srv.shutdown(errCh)
		case sig := <-sigs:
			if sig == syscall.SIGUSR2 {
				Logger.Info("received SIGUSR2, graceful restarting HTTP server")
				pid, err := srv.startNewProcess()
				if err != nil {
					Logger.Error("start new process failed, continue serving", zap.Error(err))
					continue
				}
				Logger.Info("new process started, closing old HTTP server", zap.Int("pid", pid))
			} else {
				Logger.Info("received signal, graceful shutting down HTTP server", zap.String("signal", sig.String()))
			}
			return srv.shutdown(errCh)
		}
	}
}

func (srv *Server) shutdown(errCh <-chan error) error {
	ctx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		Logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	Logger.Info("HTTP server shutdown success")
	return nil
}

func (srv *Server) getNetListener() (net.Listener, error) {
	if srv.isGraceful {
		file := os.NewFile(GRACEFUL_LISTENER_FD, "")
		ln, err := net.FileListener(file)
		if err != nil {
			return nil, fmt.Errorf("net.FileListener error: %w", err)
		}
		return ln, nil
	}
	addr := srv.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.Listen error: %w", err)
	}
	return ln, nil
}

// startNewProcess re-executes the binary with the listener passed as fd 3.
func (srv *Server) startNewProcess() (int, error) {
	tcpLn, ok := srv.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is not *net.TCPListener")
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("get listener file: %w", err)
	}
	defer file.Close()

	envs := []string{}
	for _, e := range os.Environ() {
		if e != GRACEFUL_ENVIRON_VALUE {
			envs = append(envs, e)
		}
	}
	envs = append(envs, GRACEFUL_ENVIRON_VALUE)

	attr := &syscall.ProcAttr{
		Env:   envs,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	}
	pid, err := syscall.ForkExec(os.Args[0], os.Args, attr)
	if err != nil {
		return 0, fmt.Errorf("forkexec: %w", err)
	}
	return pid, nil
}
