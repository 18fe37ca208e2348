package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/raterudder/energysim/pkg/log"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// authMiddleware requires a valid bearer ID token when a verifier is
// configured. The token subject is attached to the request as the operator.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing auth header")
			writeJSONError(w, "missing auth header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		operator, err := s.authenticateToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("operator", operator)))
		ctx = context.WithValue(ctx, operatorContextKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticateToken returns the email of the token, or its subject if it has
// no email claim.
func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	idToken, err := s.verifier(ctx, token)
	if err != nil {
		return "", err
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err == nil && claims.Email != "" {
		return claims.Email, nil
	}
	if idToken.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return idToken.Subject, nil
}

func operatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(operatorContextKey).(string)
	return operator
}
