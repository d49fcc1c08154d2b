package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/estvita/openbridge/internal/bridge"
	"github.com/estvita/openbridge/internal/queue"
	"github.com/estvita/openbridge/internal/store"
)

// CrmWebhookStore resolves the installation a CRM event belongs to.
type CrmWebhookStore interface {
	GetInstallationByToken(ctx context.Context, token string) (store.AppInstallation, error)
}

// CrmWebhookHandler accepts the CRM's form-encoded connector events, matches
// them to an installation by application token, and defers the work to the
// task queue. The response is always a bare acknowledgement.
type CrmWebhookHandler struct {
	logger    *slog.Logger
	store     CrmWebhookStore
	publisher queue.Publisher
}

// NewCrmWebhookHandler creates the CRM webhook handler.
func NewCrmWebhookHandler(log *slog.Logger, st CrmWebhookStore, publisher queue.Publisher) *CrmWebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CrmWebhookHandler{
		logger:    log.With(slog.String("handler", "crm_webhook")),
		store:     st,
		publisher: publisher,
	}
}

// Register mounts the handler routes.
func (h *CrmWebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/crm", h.HandleEvent)
}

// HandleEvent decodes one CRM event and enqueues it.
func (h *CrmWebhookHandler) HandleEvent(c echo.Context) error {
	if err := c.Request().ParseForm(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed form payload")
	}
	values := c.Request().PostForm

	event, err := DecodeCrmEvent(values)
	if err != nil {
		h.logger.Warn("undecodable crm event", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	installation, err := h.store.GetInstallationByToken(c.Request().Context(), event.AppToken)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusForbidden, "unknown application token")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	event.Task.InstallationID = installation.ID

	if err := h.publisher.Publish(c.Request().Context(), bridge.RouteCrmEvent, event.Task); err != nil {
		h.logger.Error("enqueue crm event failed",
			slog.String("event", event.Task.Event), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.String(http.StatusOK, "OK")
}

// DecodedCrmEvent is the typed result of parsing a CRM webhook form.
type DecodedCrmEvent struct {
	AppToken string
	Task     bridge.CrmEventTask
}

// DecodeCrmEvent parses the CRM's bracket-indexed form encoding
// (data[MESSAGES][0][im][message_id] and the like) into a task. Unknown
// events decode fine; the bridge rejects them at execution time.
func DecodeCrmEvent(values url.Values) (DecodedCrmEvent, error) {
	event := values.Get("event")
	if event == "" {
		return DecodedCrmEvent{}, fmt.Errorf("missing event field")
	}
	token := values.Get("auth[application_token]")
	if token == "" {
		return DecodedCrmEvent{}, fmt.Errorf("missing application token")
	}

	decoded := DecodedCrmEvent{
		AppToken: token,
		Task: bridge.CrmEventTask{
			Event:     event,
			Connector: values.Get("data[CONNECTOR]"),
			CrmLineID: formInt(values, "data[LINE]", "data[line]"),
		},
	}

	for i := 0; ; i++ {
		prefix := fmt.Sprintf("data[MESSAGES][%d]", i)
		if !hasPrefixKey(values, prefix) {
			break
		}
		msg := bridge.CrmMessage{
			ID:       formInt(values, prefix+"[im][message_id]"),
			ChatID:   formInt(values, prefix+"[im][chat_id]"),
			UserID:   formInt(values, prefix+"[user][id]"),
			Peer:     values.Get(prefix + "[chat][id]"),
			Text:     values.Get(prefix + "[message][text]"),
			QuotedID: formInt(values, prefix+"[message][reply_id]"),
		}
		for j := 0; ; j++ {
			link := values.Get(fmt.Sprintf("%s[message][files][%d][link]", prefix, j))
			if link == "" {
				break
			}
			msg.Files = append(msg.Files, bridge.CrmFile{
				Link: link,
				Name: values.Get(fmt.Sprintf("%s[message][files][%d][name]", prefix, j)),
				Type: values.Get(fmt.Sprintf("%s[message][files][%d][type]", prefix, j)),
			})
		}
		decoded.Task.Messages = append(decoded.Task.Messages, msg)
	}

	if event == bridge.EventMessageAdd && len(decoded.Task.Messages) == 0 {
		return DecodedCrmEvent{}, fmt.Errorf("message event without messages")
	}
	return decoded, nil
}

func formInt(values url.Values, keys ...string) int64 {
	for _, key := range keys {
		if raw := values.Get(key); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func hasPrefixKey(values url.Values, prefix string) bool {
	for key := range values {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
