package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a rejected request. Values match the wire-level error codes.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindPermissionDenied   Kind = "permission-denied"
	KindResourceExhausted  Kind = "resource-exhausted"
	KindFailedPrecondition Kind = "failed-precondition"
	KindInvalidArgument    Kind = "invalid-argument"
	KindAlreadyExists      Kind = "already-exists"
	KindNotFound           Kind = "not-found"
	KindAborted            Kind = "aborted"
	KindInternal           Kind = "internal"
)

// Error is a definitive rejection. Nothing was written when one is returned.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func reject(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// errWriteConflict marks a compare-and-set miss; the transaction is replayed.
var errWriteConflict = errors.New("ledger: concurrent write conflict")
