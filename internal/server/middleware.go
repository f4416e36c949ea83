package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

type ctxKey string

const callerKey ctxKey = "caller"

// CallerID returns the authenticated caller, or "" outside the auth
// middleware.
func CallerID(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey).(string)
	return caller
}

// authMiddleware validates a bearer JWT signed with the shared HMAC secret
// and stores the subject claim as the caller id.
func authMiddleware(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				unauthorized(w, "authorization header is not a bearer token")
				return
			}

			token, err := jwt.Parse(parts[1], func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				unauthorized(w, "token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
		Code:    "unauthorized",
		Message: message,
	}})
}

// limiterIdleTTL bounds how long an inactive caller keeps its bucket.
// An evicted caller simply starts over with a full burst.
const limiterIdleTTL = 10 * time.Minute

// callerLimiter hands out one token bucket per caller id. Mutations get a
// separate, stricter limiter than reads. Buckets idle past limiterIdleTTL
// are pruned so the map does not grow with every caller ever seen.
type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*callerBucket

	rps   rate.Limit
	burst int

	now       func() time.Time
	lastPrune time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(rps float64, burst int) *callerLimiter {
	return &callerLimiter{
		limiters: map[string]*callerBucket{},
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (cl *callerLimiter) limiter(caller string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	if now.Sub(cl.lastPrune) >= limiterIdleTTL {
		cl.prune(now)
	}

	bucket, ok := cl.limiters[caller]
	if !ok {
		bucket = &callerBucket{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.limiters[caller] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter
}

// prune drops buckets idle past the TTL. Caller holds the mutex.
func (cl *callerLimiter) prune(now time.Time) {
	for caller, bucket := range cl.limiters {
		if now.Sub(bucket.lastSeen) >= limiterIdleTTL {
			delete(cl.limiters, caller)
		}
	}
	cl.lastPrune = now
}

func (cl *callerLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.limiter(CallerID(r.Context())).Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Code:    codeRateLimited,
				Message: "rate limit exceeded, slow down",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}
