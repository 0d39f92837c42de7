package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/engine"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
)

const maxWebhookBody = 1 << 20

// PaymentHandler receives processor webhooks and publishes the client-side
// payment configuration.
type PaymentHandler struct {
	Engine    *engine.Engine
	Publisher queue.Publisher // used when Cfg.WebhookAsync is set
	Cfg       config.PaymentConfig
	Clock     clock.Clock
	Log       *slog.Logger
}

func NewPaymentHandler(e *engine.Engine, pub queue.Publisher, cfg config.PaymentConfig, clk clock.Clock, log *slog.Logger) *PaymentHandler {
	return &PaymentHandler{Engine: e, Publisher: pub, Cfg: cfg, Clock: clk, Log: log}
}

// Webhook handles POST /v1/payments/webhook. Only a verified signature gets
// past the first step. A 2xx tells the processor to stop redelivering, so
// transient failures answer 503 and the processor tries again later.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	const op = "handler.Webhook"
	log := h.Log.With(slog.String("op", op))

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable body"})
	}
	sig := c.Request().Header.Get(payment.SignatureHeader)
	if err := payment.Verify(h.Cfg.WebhookSecret, sig, body, h.Cfg.WebhookTolerance, h.Clock.Now()); err != nil {
		log.Warn("webhook signature rejected", sl.Err(err))
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_signature"})
	}

	n, ok, err := payment.ParseNotification(body)
	if err != nil {
		return respondError(c, log, err)
	}
	if !ok {
		log.Debug("webhook event type ignored", slog.String("event_id", n.EventID), slog.String("type", n.EventType))
		return c.JSON(http.StatusOK, echo.Map{"received": true, "ignored": true})
	}

	if h.Cfg.WebhookAsync && h.Publisher != nil {
		if err := h.Publisher.Publish(c.Request().Context(), queue.PaymentNotifications, n); err != nil {
			log.Error("webhook not queued", slog.String("event_id", n.EventID), sl.Err(err))
			c.Response().Header().Set("Retry-After", "1")
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "temporarily_unavailable"})
		}
		return c.JSON(http.StatusOK, echo.Map{"received": true, "queued": true})
	}

	res, err := h.Engine.IngestPaymentNotification(c.Request().Context(), n)
	if err != nil {
		return respondError(c, log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"received":  true,
		"status":    res.Event.Status,
		"duplicate": res.Duplicate,
	})
}

// Config handles GET /v1/payments/config: what a client needs to render the
// payment form.
func (h *PaymentHandler) Config(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"provider":        h.Cfg.Provider,
		"publishable_key": h.Cfg.StripePublicKey,
		"currency":        h.Cfg.Currency,
	})
}
