package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	serviceIDHeader = "X-Service-ID"
	rateLimitPrefix = "rl:v1:"
)

// RateLimit caps requests per calling service, identified by the X-Service-ID
// header or the client IP. Each counter lives in Redis for one minute from the
// caller's first request. It is a no-op when maxPerMin <= 0 or Redis is
// absent, and fails open on cache errors.
func RateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cache == nil || maxPerMin <= 0 {
			return c.Next()
		}
		caller := strings.TrimSpace(c.Get(serviceIDHeader))
		if caller == "" {
			caller = "ip:" + c.IP()
		}
		key := rateLimitPrefix + caller

		ctx := c.UserContext()
		cnt, err := cache.Incr(ctx, key).Result()
		if err != nil {
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(ctx, key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			if ttl, err := cache.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())+1))
			}
			return fiber.NewError(http.StatusTooManyRequests, "rate limit exceeded, try again later")
		}
		return c.Next()
	}
}
