package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/ulule/limiter/v3"
	mhttp "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "user_id"

// userID returns the authenticated caller identity, or "".
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// authMiddleware resolves a bearer token to a user id. The token map comes
// from configuration; the real identity provider sits in front of this
// service.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		uid, ok := s.cfg.APIKeys[strings.TrimSpace(token)]
		if !ok {
			respondError(w, http.StatusUnauthorized, "unauthenticated", "unknown api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

// rateLimitMiddleware limits per client IP ahead of authentication so token
// probing is throttled too.
func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	rate, err := limiter.NewRateFromFormatted(s.cfg.RateLimit)
	if err != nil {
		s.log.Warn("invalid rate limit format, rate limiting disabled",
			zap.String("rate", s.cfg.RateLimit), zap.Error(err))
		return func(next http.Handler) http.Handler { return next }
	}
	instance := limiter.New(memory.NewStore(), rate, limiter.WithTrustForwardHeader(true))
	middleware := mhttp.NewMiddleware(instance)
	return middleware.Handler
}
