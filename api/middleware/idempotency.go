package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/kinoramahq/kinorama-backend/api/responses"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
	"github.com/kinoramahq/kinorama-backend/pkg/logger"
	pkgredis "github.com/kinoramahq/kinorama-backend/pkg/redis"
)

// Replay windows per guarded mutation. Checkout opens a paid session at the
// processor, so its replays pin for a week; a portal session is cheap to
// re-mint after a day.
const (
	portalReplayTTL   = 24 * time.Hour
	checkoutReplayTTL = 7 * 24 * time.Hour
)

// guardedRoutes maps "METHOD pattern" to the replay window for that mutation.
// Routes absent here pass through untouched.
var guardedRoutes = map[string]time.Duration{
	http.MethodPost + " /api/v1/billing/checkout": checkoutReplayTTL,
	http.MethodPost + " /api/v1/billing/portal":   portalReplayTTL,
}

// storedReply is the cached outcome of a guarded mutation, replayed verbatim
// when the same Idempotency-Key arrives again with the same body.
type storedReply struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

// Idempotency makes guarded mutations safe to retry: the first outcome under
// an Idempotency-Key is stored and replayed for later arrivals, and reusing a
// key with a different body is rejected. A nil store disables the guard.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, guarded := replayWindow(r)
			if !guarded || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if clientKey == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := fingerprint(body)
			storeKey := store.IdempotencyKey(claimScope(r), clientKey)

			prior, err := store.Get(r.Context(), storeKey)
			if err != nil && !errors.Is(err, redis.Nil) {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if prior != "" {
				replay(r.Context(), logg, w, prior, requestHash)
				return
			}

			capture := &replyRecorder{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			// Server faults stay unpinned so the client can retry the same
			// key once the fault clears.
			if capture.statusOrOK() >= http.StatusInternalServerError {
				return
			}
			persistReply(r.Context(), logg, store, storeKey, capture.reply(requestHash), ttl)
		})
	}
}

// replayWindow resolves the guard TTL for the request, preferring the chi
// route pattern over the raw path so parameterized routes would match too.
func replayWindow(r *http.Request) (time.Duration, bool) {
	pattern := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		pattern = rctx.RoutePattern()
	}
	ttl, ok := guardedRoutes[r.Method+" "+pattern]
	return ttl, ok
}

// claimScope ties a key claim to caller and route; two users reusing the same
// literal key never collide.
func claimScope(r *http.Request) string {
	return strings.Join([]string{UserIDFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func replay(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, raw, requestHash string) {
	var reply storedReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	if reply.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
}

func persistReply(ctx context.Context, logg *logger.Logger, store pkgredis.IdempotencyStore, key string, reply storedReply, ttl time.Duration) {
	payload, err := json.Marshal(reply)
	if err != nil {
		if logg != nil {
			logg.Error(ctx, "marshal idempotency record", err)
		}
		return
	}
	if _, err := store.SetNX(ctx, key, string(payload), ttl); err != nil && logg != nil {
		logg.Error(ctx, "persist idempotency record", err)
	}
}

// replyRecorder tees the downstream response so the outcome can be stored.
type replyRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *replyRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *replyRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *replyRecorder) statusOrOK() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *replyRecorder) reply(requestHash string) storedReply {
	return storedReply{
		Status:      r.statusOrOK(),
		ContentType: r.Header().Get("Content-Type"),
		Body:        r.buf.Bytes(),
		RequestHash: requestHash,
	}
}
