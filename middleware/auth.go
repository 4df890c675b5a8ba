package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pocketpoints/server/utils"
)

// ContextUserIDKey is the key used to store authenticated user ID in Gin context.
const ContextUserIDKey = "user_id"

const statusUnauthenticated = "unauthenticated"

// AuthRequired ensures the request carries a valid HS256 bearer token signed with secret.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			utils.Reject(ctx, http.StatusUnauthorized, 40101, statusUnauthenticated, "authorization header missing")
			ctx.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			utils.Reject(ctx, http.StatusUnauthorized, 40102, statusUnauthenticated, "invalid authorization header format")
			ctx.Abort()
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			utils.Reject(ctx, http.StatusUnauthorized, 40103, statusUnauthenticated, "empty bearer token")
			ctx.Abort()
			return
		}

		claims, err := utils.ParseToken(secret, tokenString)
		if err != nil {
			utils.Reject(ctx, http.StatusUnauthorized, 40105, statusUnauthenticated, "invalid token")
			ctx.Abort()
			return
		}

		ctx.Set(ContextUserIDKey, claims.UserID)
		ctx.Next()
	}
}
