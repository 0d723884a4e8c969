// internal/server/middleware.go

package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vault/internal/logging"
)

// HeaderRequestID 為請求追蹤 ID 的標頭。
const HeaderRequestID = "X-Request-Id"

// requestID 沿用呼叫端給的 X-Request-Id，沒有則產生新的 UUID。
func requestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(HeaderRequestID, id)
		c.Locals(HeaderRequestID, id)
		return c.Next()
	}
}

// accessLog 每個請求寫一行存取日誌。
func (s *Server) accessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var ferr *fiber.Error
		if errors.As(err, &ferr) {
			status = ferr.Code
		}
		id, _ := c.Locals(HeaderRequestID).(string)
		logging.WithTrace(c.UserContext(), s.logger).Info("request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", id),
		)
		return err
	}
}
