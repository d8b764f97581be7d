package security

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"shardminer/backend/internal/clock"
)

type SecurityMiddleware struct {
	rateLimiters map[string]*clientLimiter
	mu           sync.Mutex
	config       SecurityConfig
	clock        clock.Clock
	lastSweep    time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	// IdleTTL is how long an unused client limiter is kept.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

type SecurityConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	HSTS         bool  `mapstructure:"hsts"`
}

func NewSecurityMiddleware(config SecurityConfig, clk clock.Clock) *SecurityMiddleware {
	if clk == nil {
		clk = clock.Real()
	}
	if config.RateLimit.IdleTTL <= 0 {
		config.RateLimit.IdleTTL = 10 * time.Minute
	}
	return &SecurityMiddleware{
		rateLimiters: make(map[string]*clientLimiter),
		config:       config,
		clock:        clk,
		lastSweep:    clk.Now(),
	}
}

// RateLimitMiddleware applies a token bucket per client IP. A zero
// RequestsPerSecond disables it.
func (sm *SecurityMiddleware) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sm.config.RateLimit.RequestsPerSecond <= 0 {
			c.Next()
			return
		}

		now := sm.clock.Now()
		limiter := sm.limiterFor(c.ClientIP(), now)

		if !limiter.AllowN(now, 1) {
			retryAfter := int(time.Duration(float64(time.Second)/sm.config.RateLimit.RequestsPerSecond).Seconds() + 0.999)
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

func (sm *SecurityMiddleware) limiterFor(ip string, now time.Time) *rate.Limiter {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if now.Sub(sm.lastSweep) > sm.config.RateLimit.IdleTTL {
		for key, cl := range sm.rateLimiters {
			if now.Sub(cl.lastSeen) > sm.config.RateLimit.IdleTTL {
				delete(sm.rateLimiters, key)
			}
		}
		sm.lastSweep = now
	}

	cl, exists := sm.rateLimiters[ip]
	if !exists {
		burst := sm.config.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(sm.config.RateLimit.RequestsPerSecond), burst)}
		sm.rateLimiters[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (sm *SecurityMiddleware) trackedClients() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.rateLimiters)
}

// SecurityHeadersMiddleware sets response hardening headers. Frame
// options are left alone: the Mini App runs inside Telegram's webview.
func (sm *SecurityMiddleware) SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Cache-Control", "no-store")
		if sm.config.HSTS {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func (sm *SecurityMiddleware) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if origin != "" && sm.isAllowedOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", strings.Join(sm.config.CORS.AllowedMethods, ", "))
			c.Header("Access-Control-Allow-Headers", strings.Join(sm.config.CORS.AllowedHeaders, ", "))
			c.Header("Access-Control-Max-Age", strconv.Itoa(sm.config.CORS.MaxAge))
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (sm *SecurityMiddleware) isAllowedOrigin(origin string) bool {
	for _, allowed := range sm.config.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// InputValidationMiddleware rejects oversized bodies and non-JSON
// writes.
func (sm *SecurityMiddleware) InputValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if sm.config.MaxBodyBytes > 0 {
			if c.Request.ContentLength > sm.config.MaxBodyBytes {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, sm.config.MaxBodyBytes)
		}

		if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
			if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
				return
			}
		}

		c.Next()
	}
}

func GetDefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			IdleTTL:           10 * time.Minute,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"https://web.telegram.org", "http://localhost:3000"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:         86400,
		},
		MaxBodyBytes: 64 * 1024,
	}
}
