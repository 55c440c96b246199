package dedup

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"case-pipeline/internal/logger"
	"case-pipeline/internal/telemetry"
)

// KeyFunc derives the deduplication key for a request. Requests mapping to
// the same key are the same logical operation.
type KeyFunc func(r *http.Request) string

// DefaultKey treats method + path as the operation identity.
func DefaultKey(r *http.Request) string {
	return r.Method + " " + r.URL.Path
}

type outcome struct {
	status int
	header http.Header
	body   []byte
}

type slot struct {
	done   chan struct{}
	result *outcome // nil when the owner was abandoned before writing
}

// Guard coalesces concurrent identical requests. The first caller for a key
// becomes the owner and executes; later callers wait for the owner's recorded
// response and mirror it. A follower that waits past the timeout is promoted
// to owner and proceeds on its own (fail-open). This guards request handling
// only; the session store independently guards execution.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]*slot
	wait     time.Duration
	log      *logger.Logger
}

func NewGuard(log *logger.Logger, wait time.Duration) *Guard {
	if wait <= 0 {
		wait = 25 * time.Second
	}
	return &Guard{
		inflight: make(map[string]*slot),
		wait:     wait,
		log:      log.With("component", "dedup"),
	}
}

// Middleware wraps next with deduplication under the default key.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return g.MiddlewareWithKey(DefaultKey)(next)
}

// MiddlewareWithKey wraps handlers with deduplication under a custom key.
func (g *Guard) MiddlewareWithKey(keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			g.mu.Lock()
			if existing, ok := g.inflight[key]; ok {
				g.mu.Unlock()
				g.follow(w, r, next, existing, key)
				return
			}
			s := &slot{done: make(chan struct{})}
			g.inflight[key] = s
			g.mu.Unlock()

			g.own(w, r, next, s, key)
		})
	}
}

// own executes the request and resolves the slot for any followers. The slot
// is always removed, even when the owner's connection is abandoned, so
// followers never block on a dead owner.
func (g *Guard) own(w http.ResponseWriter, r *http.Request, next http.Handler, s *slot, key string) {
	rec := &recorder{inner: w, header: make(http.Header)}
	defer func() {
		if rec.wrote {
			s.result = &outcome{status: rec.status, header: rec.header, body: rec.body.Bytes()}
		}
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(s.done)
	}()
	next.ServeHTTP(rec, r)
}

func (g *Guard) follow(w http.ResponseWriter, r *http.Request, next http.Handler, s *slot, key string) {
	telemetry.DedupFollowers.Inc()
	timer := time.NewTimer(g.wait)
	defer timer.Stop()

	select {
	case <-s.done:
		if s.result != nil {
			replay(w, s.result)
			return
		}
		// Owner abandoned without a response; run independently.
		g.log.Debug("dedup owner abandoned, follower proceeding", "key", key)
		next.ServeHTTP(w, r)
	case <-timer.C:
		// Promotion: availability over strict single-execution.
		telemetry.DedupPromotions.Inc()
		g.log.Warn("dedup wait timed out, promoting follower", "key", key)
		next.ServeHTTP(w, r)
	case <-r.Context().Done():
		// Follower went away; nothing to deliver.
	}
}

// InflightCount reports how many keys currently have an owner.
func (g *Guard) InflightCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

func replay(w http.ResponseWriter, out *outcome) {
	for k, vals := range out.header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(out.status)
	_, _ = w.Write(out.body)
}

// recorder tees the owner's response so it can be replayed to followers.
type recorder struct {
	inner  http.ResponseWriter
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func (r *recorder) Header() http.Header {
	return r.inner.Header()
}

func (r *recorder) WriteHeader(status int) {
	if !r.wrote {
		r.wrote = true
		r.status = status
		for k, vals := range r.inner.Header() {
			r.header[k] = append([]string(nil), vals...)
		}
	}
	r.inner.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.inner.Write(p)
}
