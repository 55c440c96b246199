package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"case-pipeline/internal/logger"
	"case-pipeline/internal/telemetry"
)

const keyPrefix = "pipeline:rl:case:"

// Limiter throttles start operations per case with a token bucket kept in
// Redis, so the budget holds across replicas. Each pipeline start consumes
// one token; a case that burns its burst capacity waits for refill.
type Limiter struct {
	client   *redis.Client
	log      *logger.Logger
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

func NewLimiter(client *redis.Client, log *logger.Logger, capacity int, refillPerSecond float64) *Limiter {
	return &Limiter{
		client:   client,
		log:      log.With("component", "ratelimit"),
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      10 * time.Minute,
	}
}

// Allow consumes one token from the case's bucket if available. Returns the
// allowed flag and the remaining token count.
func (l *Limiter) Allow(ctx context.Context, caseID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{keyPrefix + caseID},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

// Middleware gates a start endpoint. caseID extracts the bucket key from the
// request; requests over budget get 429. A Redis outage fails open: losing
// the limiter must not take the pipeline down with it.
func (l *Limiter) Middleware(caseID func(*http.Request) string, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := caseID(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, _, err := l.Allow(r.Context(), id)
			if err != nil {
				l.log.Warn("rate limiter unavailable, failing open", "case", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				l.log.Debug("start rejected by rate limiter", "case", id)
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
