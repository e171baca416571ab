package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
)

const operatorKeyHeader = "X-Operator-Key"

// RequireOperator gates the admin surface behind a shared operator key. An
// empty configured key disables the surface entirely rather than opening it.
func RequireOperator(operatorKey string, logg *logger.Logger) func(http.Handler) http.Handler {
	configured := strings.TrimSpace(operatorKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if configured == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "operator access disabled"))
				return
			}

			presented := strings.TrimSpace(r.Header.Get(operatorKeyHeader))
			if presented == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "operator key required"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "operator key rejected"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
