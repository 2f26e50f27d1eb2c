package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"lanscreen/pkg/config"
	apperrors "lanscreen/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// peerIdleTTL is how long a peer's limiter survives without requests.
const peerIdleTTL = 3 * time.Minute

type peerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// peerLimiters keeps one token bucket per remote host. Idle entries are
// swept lazily so a LAN with churning DHCP leases does not grow the map.
type peerLimiters struct {
	mu        sync.Mutex
	peers     map[string]*peerLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newPeerLimiters(limit rate.Limit, burst int) *peerLimiters {
	return &peerLimiters{
		peers: make(map[string]*peerLimiter),
		limit: limit,
		burst: burst,
		now:   time.Now,
	}
}

func (p *peerLimiters) allow(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastSweep) > peerIdleTTL {
		for h, pl := range p.peers {
			if now.Sub(pl.lastSeen) > peerIdleTTL {
				delete(p.peers, h)
			}
		}
		p.lastSweep = now
	}

	pl, ok := p.peers[host]
	if !ok {
		pl = &peerLimiter{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.peers[host] = pl
	}
	pl.lastSeen = now
	return pl.limiter.AllowN(now, 1)
}

func (p *peerLimiters) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

// clientIP is the peer address of the request. Forwarding headers are
// ignored since devices talk to each other directly.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func abortWithAppError(c *gin.Context, appErr *apperrors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

// NewHTTPRateLimitMiddleware limits requests per remote host and, when
// max_concurrent is set, the number of requests in flight.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	peers := newPeerLimiters(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var inFlight chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWithAppError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !peers.allow(clientIP(c.Request)) {
			c.Header("Retry-After", "1")
			abortWithAppError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}
