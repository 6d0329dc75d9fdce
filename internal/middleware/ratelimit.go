package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by user. It lets requests
// through when Redis is unavailable.
type RateLimiter struct {
	redis redis.Cmdable
	log   *zap.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, log *zap.Logger) *RateLimiter {
	log = logger.OrNop(log)
	return &RateLimiter{redis: redisClient, log: log}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl == nil || rl.redis == nil {
			return c.Next()
		}
		userID := GetUserID(c)
		if userID == "" {
			userID = "ip:" + c.IP()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		// Increment counter
		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.log.Warn("rate limiter unavailable, allowing request", zap.String("key", key), zap.Error(err))
			return c.Next()
		}

		// Set expiration on first request
		if count == 1 {
			if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
				rl.log.Warn("failed to set rate limit window", zap.String("key", key), zap.Error(err))
			}
		}

		if count > int64(maxRequests) {
			// Get TTL for retry-after header
			ttl, err := rl.redis.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = window
			}
			return response.RateLimited(c, ttl)
		}

		// Add rate limit headers
		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(maxRequests)-count, 10))

		return c.Next()
	}
}

// SubmitLimit returns a rate limiter for job submission
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("submit", maxPerHour, time.Hour)
}
