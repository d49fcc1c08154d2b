package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/estvita/openbridge/internal/bridge"
	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/channel/adapters/cloudmsg"
	"github.com/estvita/openbridge/internal/queue"
	"github.com/estvita/openbridge/internal/store"
)

const maxWebhookBody = 4 << 20

// SessionStore resolves channel sessions for inbound webhooks.
type SessionStore interface {
	ListSessionsByType(ctx context.Context, channelType string) ([]store.ChannelSession, error)
	GetSessionByExternalID(ctx context.Context, channelType, externalID string) (store.ChannelSession, error)
}

// cloudMsgSettings is the session settings blob for cloud-messaging tenants.
type cloudMsgSettings struct {
	AppSecret   string `json:"app_secret"`
	VerifyToken string `json:"verify_token"`
}

// CloudMsgWebhookHandler terminates the cloud-messaging platform webhooks:
// subscription verification on GET, signed event payloads on POST.
type CloudMsgWebhookHandler struct {
	logger    *slog.Logger
	store     SessionStore
	adapter   *cloudmsg.Adapter
	publisher queue.Publisher
}

// NewCloudMsgWebhookHandler creates the cloud-messaging webhook handler.
func NewCloudMsgWebhookHandler(log *slog.Logger, st SessionStore, adapter *cloudmsg.Adapter, publisher queue.Publisher) *CloudMsgWebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CloudMsgWebhookHandler{
		logger:    log.With(slog.String("handler", "cloudmsg_webhook")),
		store:     st,
		adapter:   adapter,
		publisher: publisher,
	}
}

// Register mounts the handler routes.
func (h *CloudMsgWebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhook/cloudmsg", h.Verify)
	e.POST("/webhook/cloudmsg", h.HandleEvent)
}

// Verify answers the platform's subscription challenge.
func (h *CloudMsgWebhookHandler) Verify(c echo.Context) error {
	if c.QueryParam("hub.mode") != "subscribe" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported mode")
	}
	token := c.QueryParam("hub.verify_token")
	sessions, err := h.store.ListSessionsByType(c.Request().Context(), string(channel.TypeCloudMsg))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	for _, s := range sessions {
		var settings cloudMsgSettings
		if json.Unmarshal(s.Settings, &settings) == nil && settings.VerifyToken != "" && settings.VerifyToken == token {
			return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
		}
	}
	return echo.NewHTTPError(http.StatusForbidden, "verify token mismatch")
}

// HandleEvent verifies the payload signature against every tenant app
// sharing this inbound host and enqueues the normalized messages.
func (h *CloudMsgWebhookHandler) HandleEvent(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	sessions, err := h.store.ListSessionsByType(c.Request().Context(), string(channel.TypeCloudMsg))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	secrets := make([]string, len(sessions))
	for i, s := range sessions {
		var settings cloudMsgSettings
		if json.Unmarshal(s.Settings, &settings) == nil {
			secrets[i] = settings.AppSecret
		}
	}
	if _, ok := cloudmsg.VerifySignature(body, c.Request().Header.Get("X-Hub-Signature-256"), secrets); !ok {
		h.logger.Warn("webhook signature rejected")
		return echo.NewHTTPError(http.StatusForbidden, "signature mismatch")
	}

	msgs, err := h.adapter.Normalize(body, channel.Endpoint{Type: channel.TypeCloudMsg})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := publishInbound(c.Request().Context(), h.logger, h.store, h.publisher, channel.TypeCloudMsg, msgs); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.String(http.StatusOK, "OK")
}

// HostedGwWebhookHandler terminates the self-hosted gateway's session-scoped
// webhooks.
type HostedGwWebhookHandler struct {
	logger     *slog.Logger
	store      SessionStore
	normalizer channel.Normalizer
	publisher  queue.Publisher
}

// NewHostedGwWebhookHandler creates the gateway webhook handler.
func NewHostedGwWebhookHandler(log *slog.Logger, st SessionStore, normalizer channel.Normalizer, publisher queue.Publisher) *HostedGwWebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HostedGwWebhookHandler{
		logger:     log.With(slog.String("handler", "hostedgw_webhook")),
		store:      st,
		normalizer: normalizer,
		publisher:  publisher,
	}
}

// Register mounts the handler routes.
func (h *HostedGwWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/hostedgw/:session", h.HandleEvent)
}

// HandleEvent normalizes one gateway push and enqueues its messages.
func (h *HostedGwWebhookHandler) HandleEvent(c echo.Context) error {
	sessionRef := c.Param("session")
	if _, err := h.store.GetSessionByExternalID(c.Request().Context(), string(channel.TypeHostedGw), sessionRef); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown session")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	msgs, err := h.normalizer.Normalize(body, channel.Endpoint{
		Type:       channel.TypeHostedGw,
		ExternalID: sessionRef,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := publishInbound(c.Request().Context(), h.logger, h.store, h.publisher, channel.TypeHostedGw, msgs); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.String(http.StatusOK, "OK")
}

// publishInbound resolves each message's session and enqueues one task per
// message. Messages for unknown sessions are dropped with a warning.
func publishInbound(ctx context.Context, log *slog.Logger, st SessionStore, publisher queue.Publisher, channelType channel.Type, msgs []channel.InboundMessage) error {
	for _, msg := range msgs {
		session, err := st.GetSessionByExternalID(ctx, string(channelType), msg.SessionRef)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Warn("message for unknown session dropped",
					slog.String("session_ref", msg.SessionRef),
					slog.String("message_id", msg.MessageID))
				continue
			}
			return err
		}
		if err := publisher.Publish(ctx, bridge.RouteInbound, bridge.InboundTask{
			SessionID: session.ID,
			Message:   msg,
		}); err != nil {
			return err
		}
	}
	return nil
}
