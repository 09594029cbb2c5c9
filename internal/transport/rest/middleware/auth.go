package middleware

import (
	"context"
	"net/http"
	"strings"

	"examsync/internal/service"
)

type contextKey string

const MonitorIDKey contextKey = "monitorId"

// AuthMiddleware provides JWT authentication for monitoring endpoints.
type AuthMiddleware struct {
	authSvc *service.AuthService
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(authSvc *service.AuthService) *AuthMiddleware {
	return &AuthMiddleware{authSvc: authSvc}
}

// RequireMonitor validates a monitor JWT from the Authorization header or,
// for WebSocket upgrades, the token query parameter.
func (m *AuthMiddleware) RequireMonitor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
			return
		}

		claims, err := m.authSvc.ValidateMonitorToken(token)
		if err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), MonitorIDKey, claims.MonitorID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetMonitorID extracts the monitor ID from the request context.
func GetMonitorID(ctx context.Context) string {
	if v := ctx.Value(MonitorIDKey); v != nil {
		return v.(string)
	}
	return ""
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
