package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
)

// ParseQueryInt reads an integer query parameter, returning fallback when the
// parameter is absent and a validation error when it is malformed or outside
// [low, high].
func ParseQueryInt(r *http.Request, key string, fallback, low, high int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").
			WithDetails(map[string]any{"field": key, "value": raw})
	}
	if value < low || value > high {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").
			WithDetails(map[string]any{"field": key, "min": low, "max": high})
	}
	return value, nil
}
