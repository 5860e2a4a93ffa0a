package signal

import (
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"golang.org/x/time/rate"
)

// JoinRateLimiter allows each user limit joins per interval, as a token
// bucket refilled evenly over the interval.
type JoinRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewJoinRateLimiter with limit <= 0 allows everything.
func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	rl := &JoinRateLimiter{
		limiters: make(map[domain.UserID]*rate.Limiter),
		every:    rate.Inf,
		burst:    1,
	}
	if limit > 0 && interval > 0 {
		rl.every = rate.Every(interval / time.Duration(limit))
		rl.burst = limit
	}
	return rl
}

func (rl *JoinRateLimiter) Allow(uid domain.UserID) bool {
	return rl.limiter(uid).Allow()
}

func (rl *JoinRateLimiter) AllowAt(uid domain.UserID, now time.Time) bool {
	return rl.limiter(uid).AllowN(now, 1)
}

// Forget drops the bucket of uid.
func (rl *JoinRateLimiter) Forget(uid domain.UserID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, uid)
}

func (rl *JoinRateLimiter) limiter(uid domain.UserID) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[uid]
	if !ok {
		l = rate.NewLimiter(rl.every, rl.burst)
		rl.limiters[uid] = l
	}
	return l
}
