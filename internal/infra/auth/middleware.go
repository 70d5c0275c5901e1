package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/agent-warden/internal/domain"
)

// TokenValidator — контракт проверки токена оператора.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.OperatorClaims, error)
}

type ctxKey int

const (
	ctxKeyOperator ctxKey = iota
	ctxKeyScopes
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные оператора в контекст
			ctx := context.WithValue(r.Context(), ctxKeyOperator, claims.Operator)
			ctx = context.WithValue(ctx, ctxKeyScopes, claims.Scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope не пускает дальше без указанного скоупа
// (emergency-команды требуют отдельного права).
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, _ := r.Context().Value(ctxKeyScopes).(map[string]bool)
			if !scopes[scope] {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OperatorFrom достает имя оператора из контекста запроса.
func OperatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(ctxKeyOperator).(string)
	return op
}
