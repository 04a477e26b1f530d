package http

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crawlclean/internal/apperr"
	"crawlclean/internal/config"
	"crawlclean/internal/model"
	"crawlclean/internal/ratelimit"
	"crawlclean/internal/store"
)

// requestMiddleware assigns a request ID and logs each request after
// it completes.
func requestMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()

		if logger != nil {
			logger.Info("request",
				"request_id", reqID,
				"method", c.Method(),
				"path", c.Path(),
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
			)
		}
		return err
	}
}

// authMiddleware validates the X-API-Key header and attaches the
// resolved credential to the context as "apiKey".
func authMiddleware(st *store.Store) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get("X-API-Key")
		if raw == "" {
			return writeError(c, apperr.New(apperr.CodeUnauthorized, "missing X-API-Key header"))
		}

		key, err := st.GetAPIKeyByRawKey(c.Context(), raw)
		if err != nil {
			if err == store.ErrNotFound {
				return writeError(c, apperr.New(apperr.CodeUnauthorized, "invalid or revoked API key"))
			}
			return writeError(c, err)
		}

		_ = st.TouchAPIKey(c.Context(), key.ID)
		c.Locals("apiKey", key)
		return c.Next()
	}
}

// rateLimitMiddleware enforces the per-credential sliding window.
func rateLimitMiddleware(cfg *config.Config, limiter *ratelimit.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := currentKey(c)
		if key == nil {
			return writeError(c, apperr.New(apperr.CodeUnauthorized, "API key not found in context"))
		}

		limit := key.RateLimitPerMinute
		if limit <= 0 {
			limit = cfg.RateLimit.DefaultPerMinute
		}

		ok, err := limiter.Allow(c.Context(), key.KeyHash, limit)
		if err != nil {
			return writeError(c, err)
		}
		if !ok {
			return writeError(c, apperr.New(apperr.CodeRateLimited, "rate limit exceeded, try again later").
				WithDetails(map[string]any{"limit_per_minute": limit}))
		}
		return c.Next()
	}
}

// requireScope gates a route on the credential carrying the named
// scope. The admin scope implies every other scope.
func requireScope(scope string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := currentKey(c)
		if key == nil {
			return writeError(c, apperr.New(apperr.CodeUnauthorized, "API key not found in context"))
		}
		if !hasScope(key, scope) && !hasScope(key, "admin") {
			return writeError(c, apperr.Newf(apperr.CodeForbidden, "API key lacks the %q scope", scope))
		}
		return c.Next()
	}
}

func currentKey(c *fiber.Ctx) *model.APIKey {
	key, _ := c.Locals("apiKey").(*model.APIKey)
	return key
}
