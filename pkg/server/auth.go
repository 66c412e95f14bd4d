package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/modelrelay/modelrelay/pkg/config"
	"github.com/modelrelay/modelrelay/pkg/protocol"
)

// Authorizer optionally denies an authenticated request. Returning
// false yields 403.
type Authorizer func(r *http.Request, identity string) bool

// authenticate extracts and verifies the request credential. It runs
// before any body handling. The returned identity keys the rate
// limiter.
func authenticate(cfg *config.AuthConfig, r *http.Request) (string, error) {
	credential := extractCredential(cfg, r)
	if credential == "" {
		return "", protocol.NewError(protocol.ErrUnauthorized, "missing credentials")
	}
	if !credentialValid(cfg, credential) {
		return "", protocol.NewError(protocol.ErrUnauthorized, "invalid credentials")
	}
	sum := sha256.Sum256([]byte(credential))
	return "key:" + hex.EncodeToString(sum[:8]), nil
}

func extractCredential(cfg *config.AuthConfig, r *http.Request) string {
	if cfg.AllowsBearer() {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if cfg.AllowsAPIKeyHeader() {
		if key := r.Header.Get(cfg.HeaderName); key != "" {
			return key
		}
	}
	return ""
}

func credentialValid(cfg *config.AuthConfig, credential string) bool {
	for _, key := range cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(key)) == 1 {
			return true
		}
	}
	if len(cfg.HashedKeys) == 0 {
		return false
	}
	sum := sha256.Sum256([]byte(credential))
	hashed := hex.EncodeToString(sum[:])
	for _, key := range cfg.HashedKeys {
		algo, want, ok := strings.Cut(key, ":")
		if !ok || algo != "sha256" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hashed), []byte(strings.ToLower(want))) == 1 {
			return true
		}
	}
	return false
}

// rateLimiters holds one token bucket per identity.
type rateLimiters struct {
	cfg *config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRateLimiters(cfg *config.RateLimitConfig) *rateLimiters {
	return &rateLimiters{cfg: cfg, buckets: make(map[string]*rate.Limiter)}
}

// allow consumes one token from the identity's bucket.
func (rl *rateLimiters) allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	bucket, ok := rl.buckets[identity]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(rl.cfg.RequestsPerMinute)/60.0), rl.cfg.Burst)
		rl.buckets[identity] = bucket
	}
	return bucket.Allow()
}

// clientIdentity derives the rate-limit key for unauthenticated
// requests: the peer IP, or the first forwarded address when proxy
// headers are trusted.
func clientIdentity(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return "ip:" + strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
