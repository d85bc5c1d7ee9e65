package http

import (
	"context"
	"encoding/base64"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/in"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

// InlineNotificationTimeout bounds a notification handled in the request
// path when the pool refuses it.
const InlineNotificationTimeout = 25 * time.Second

type WebhookMetrics struct {
	Inbound       int64
	Delivery      int64
	Notifications int64
	Queued        int64
	Inline        int64
	Rejected      int64
}

// WebhookHandler serves the signed mail webhooks and the provider push
// endpoints.
type WebhookHandler struct {
	ingest        in.IngestService
	notifications in.NotificationService
	dispatcher    in.NotificationDispatcher
	metrics       WebhookMetrics
}

func NewWebhookHandler(ingest in.IngestService, notifications in.NotificationService, dispatcher in.NotificationDispatcher) *WebhookHandler {
	return &WebhookHandler{
		ingest:        ingest,
		notifications: notifications,
		dispatcher:    dispatcher,
	}
}

// Register mounts the webhook routes. verify guards the signed routes and
// limit applies to all of them.
func (h *WebhookHandler) Register(router fiber.Router, verify, limit fiber.Handler) {
	router.Post("/inbound-mail", limit, verify, h.InboundMail)
	router.Post("/delivery-status", limit, verify, h.DeliveryStatus)
	router.Post("/push/gmail-family", limit, h.GmailPush)
	router.Post("/push/outlook-family", limit, h.OutlookPush)
	router.Get("/push/outlook-family", limit, h.OutlookValidation)
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Inbound:       atomic.LoadInt64(&h.metrics.Inbound),
		Delivery:      atomic.LoadInt64(&h.metrics.Delivery),
		Notifications: atomic.LoadInt64(&h.metrics.Notifications),
		Queued:        atomic.LoadInt64(&h.metrics.Queued),
		Inline:        atomic.LoadInt64(&h.metrics.Inline),
		Rejected:      atomic.LoadInt64(&h.metrics.Rejected),
	}
}

// =============================================================================
// Signed webhooks
// =============================================================================

func (h *WebhookHandler) InboundMail(c *fiber.Ctx) error {
	var payload domain.InboundMail
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return apperr.BadRequest("malformed JSON body").WithError(err)
	}

	res, err := h.ingest.IngestInbound(c.UserContext(), &payload)
	if err != nil {
		return err
	}
	atomic.AddInt64(&h.metrics.Inbound, 1)

	return c.JSON(fiber.Map{
		"success":   true,
		"messageId": res.MessageID,
		"threadId":  res.ThreadID,
	})
}

func (h *WebhookHandler) DeliveryStatus(c *fiber.Ctx) error {
	var update domain.DeliveryStatusUpdate
	if err := json.Unmarshal(c.Body(), &update); err != nil {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return apperr.BadRequest("malformed JSON body").WithError(err)
	}

	msg, err := h.ingest.UpdateDeliveryStatus(c.UserContext(), &update)
	if err != nil {
		return err
	}
	atomic.AddInt64(&h.metrics.Delivery, 1)

	return c.JSON(fiber.Map{
		"success":   true,
		"messageId": msg.MessageID,
		"status":    msg.DeliveryStatus,
	})
}

// =============================================================================
// Push notifications
// =============================================================================

// GmailPush accepts a Pub/Sub push. Once the envelope decodes the answer
// is always 200; Pub/Sub redelivers anything else.
func (h *WebhookHandler) GmailPush(c *fiber.Ctx) error {
	notification, err := decodeGmailPush(c.Body())
	if err != nil {
		logger.WithError(err).Warn("[GmailPush] Undecodable envelope")
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return apperr.BadRequest("undecodable push envelope").WithError(err)
	}

	if notification.EmailAddress == "" {
		logger.Warn("[GmailPush] Notification without emailAddress ignored")
		return c.SendStatus(fiber.StatusOK)
	}

	logger.Info("[GmailPush] Received: email=%s, historyId=%d", logger.MaskAddress(notification.EmailAddress), notification.HistoryID)
	h.dispatch(c.UserContext(), *notification)
	return c.SendStatus(fiber.StatusOK)
}

func decodeGmailPush(body []byte) (*domain.GmailNotification, error) {
	var envelope domain.GmailPushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}
	data, err := decodePushData(envelope.Message.Data)
	if err != nil {
		return nil, err
	}
	var notification domain.GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, err
	}
	return &notification, nil
}

// decodePushData accepts standard and URL-safe base64, padded or not.
func decodePushData(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// OutlookPush accepts Graph change notifications and the subscription
// validation handshake, which Graph may send as a POST.
func (h *WebhookHandler) OutlookPush(c *fiber.Ctx) error {
	if token := c.Query("validationToken"); token != "" {
		return h.OutlookValidation(c)
	}

	var envelope domain.OutlookNotificationEnvelope
	if err := json.Unmarshal(c.Body(), &envelope); err != nil {
		logger.WithError(err).Warn("[OutlookPush] Undecodable envelope")
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return apperr.BadRequest("undecodable push envelope").WithError(err)
	}

	for _, n := range envelope.Value {
		if n.SubscriptionID == "" {
			logger.Warn("[OutlookPush] Notification without subscriptionId ignored")
			continue
		}
		logger.Info("[OutlookPush] Received: subscription=%s, changeType=%s", n.SubscriptionID, n.ChangeType)
		h.dispatch(c.UserContext(), n)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// OutlookValidation echoes the validation token verbatim as plain text.
func (h *WebhookHandler) OutlookValidation(c *fiber.Ctx) error {
	token := c.Query("validationToken")
	if token == "" {
		return apperr.MissingField("validationToken")
	}
	logger.Info("[OutlookValidation] Subscription validation handshake")
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusOK).SendString(token)
}

// dispatch queues n on the pool, falling back to handling it in the
// request when the pool refuses it.
func (h *WebhookHandler) dispatch(ctx context.Context, n domain.Notification) {
	atomic.AddInt64(&h.metrics.Notifications, 1)

	if h.dispatcher != nil && h.dispatcher.Dispatch(n) {
		atomic.AddInt64(&h.metrics.Queued, 1)
		return
	}
	if h.notifications == nil {
		logger.Warn("[WebhookHandler.dispatch] No notification service, dropping %s", n.DedupKey())
		return
	}

	atomic.AddInt64(&h.metrics.Inline, 1)
	ctx, cancel := context.WithTimeout(ctx, InlineNotificationTimeout)
	defer cancel()
	if _, err := h.notifications.HandleNotification(ctx, n); err != nil {
		logger.WithError(err).Warn("[WebhookHandler.dispatch] Notification %s failed", n.DedupKey())
	}
}
