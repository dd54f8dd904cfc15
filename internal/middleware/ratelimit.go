package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatLimiter hands out one token bucket per user. Buckets idle for longer
// than limiterIdleTTL are dropped on the next sweep.
type ChatLimiter struct {
	mu        sync.Mutex
	perMinute int
	users     map[string]*userLimiter
	lastSweep time.Time
	now       func() time.Time
}

func NewChatLimiter(perMinute int) *ChatLimiter {
	return &ChatLimiter{
		perMinute: perMinute,
		users:     make(map[string]*userLimiter),
		now:       time.Now,
	}
}

// Allow reports whether userID may start another chat turn now.
func (l *ChatLimiter) Allow(userID string) bool {
	if l.perMinute <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > limiterIdleTTL {
		for id, u := range l.users {
			if now.Sub(u.lastSeen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
		l.lastSweep = now
	}

	u, ok := l.users[userID]
	if !ok {
		every := time.Minute / time.Duration(l.perMinute)
		u = &userLimiter{limiter: rate.NewLimiter(rate.Every(every), l.perMinute)}
		l.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

// ChatRateLimit rejects chat requests over the per-user budget with 429.
// It must run after JWTProtected.
func ChatRateLimit(l *ChatLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.Allow(UserID(c)) {
			c.Set(fiber.HeaderRetryAfter, "60")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
		}
		return c.Next()
	}
}
