package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	correlationHeader = "X-Correlation-Id"
	correlationKey    = "correlation_id"
)

func (h *Handler) correlationID(c *fiber.Ctx) error {
	id := c.Get(correlationHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals(correlationKey, id)
	c.Set(correlationHeader, id)
	return c.Next()
}

func correlationIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals(correlationKey).(string)
	return id
}

func (h *Handler) requestLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	h.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", status,
		"latency_ms", time.Since(start).Milliseconds(),
		"correlation_id", correlationIDFrom(c),
	)
	return err
}

// verifyTwilio rejects webhook calls whose X-Twilio-Signature does not match.
// It is a no-op when no auth token is configured.
func (h *Handler) verifyTwilio(c *fiber.Ctx) error {
	if h.deps.AuthToken == "" {
		return c.Next()
	}
	params := make(map[string][]string)
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = append(params[string(k)], string(v))
	})
	url := h.deps.PublicBaseURL + c.OriginalURL()
	if err := VerifySignature(h.deps.AuthToken, url, params, c.Get(SignatureHeader)); err != nil {
		h.logger.Warn("rejected webhook", "path", c.Path(), "err", err, "correlation_id", correlationIDFrom(c))
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	}
	return c.Next()
}
