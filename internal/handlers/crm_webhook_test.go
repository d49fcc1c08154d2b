package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/bridge"
	"github.com/estvita/openbridge/internal/store"
)

type fakeInstallations struct {
	byToken map[string]store.AppInstallation
}

func (f *fakeInstallations) GetInstallationByToken(ctx context.Context, token string) (store.AppInstallation, error) {
	if i, ok := f.byToken[token]; ok {
		return i, nil
	}
	return store.AppInstallation{}, store.ErrNotFound
}

type capturingPublisher struct {
	mu    sync.Mutex
	tasks []any
}

func (p *capturingPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, payload)
	return nil
}

func crmForm() url.Values {
	values := url.Values{}
	values.Set("event", "ONIMCONNECTORMESSAGEADD")
	values.Set("auth[application_token]", "app-tok")
	values.Set("data[CONNECTOR]", "openbridge_gw")
	values.Set("data[LINE]", "7")
	values.Set("data[MESSAGES][0][im][chat_id]", "5")
	values.Set("data[MESSAGES][0][im][message_id]", "100")
	values.Set("data[MESSAGES][0][user][id]", "2")
	values.Set("data[MESSAGES][0][chat][id]", "4917612345")
	values.Set("data[MESSAGES][0][message][text]", "[b]hi[/b]")
	values.Set("data[MESSAGES][0][message][files][0][link]", "https://crm.example/file/1")
	values.Set("data[MESSAGES][0][message][files][0][name]", "doc.pdf")
	return values
}

func TestDecodeCrmEvent(t *testing.T) {
	decoded, err := DecodeCrmEvent(crmForm())
	require.NoError(t, err)

	assert.Equal(t, "app-tok", decoded.AppToken)
	assert.Equal(t, bridge.EventMessageAdd, decoded.Task.Event)
	assert.Equal(t, "openbridge_gw", decoded.Task.Connector)
	assert.Equal(t, int64(7), decoded.Task.CrmLineID)

	require.Len(t, decoded.Task.Messages, 1)
	msg := decoded.Task.Messages[0]
	assert.Equal(t, int64(100), msg.ID)
	assert.Equal(t, int64(5), msg.ChatID)
	assert.Equal(t, int64(2), msg.UserID)
	assert.Equal(t, "4917612345", msg.Peer)
	assert.Equal(t, "[b]hi[/b]", msg.Text)
	require.Len(t, msg.Files, 1)
	assert.Equal(t, "https://crm.example/file/1", msg.Files[0].Link)
}

func TestDecodeCrmEventMissingFields(t *testing.T) {
	_, err := DecodeCrmEvent(url.Values{})
	assert.Error(t, err)

	values := url.Values{}
	values.Set("event", "ONIMCONNECTORMESSAGEADD")
	_, err = DecodeCrmEvent(values)
	assert.Error(t, err)

	values.Set("auth[application_token]", "tok")
	_, err = DecodeCrmEvent(values)
	assert.Error(t, err) // message event without messages
}

func TestDecodeCrmEventUninstall(t *testing.T) {
	values := url.Values{}
	values.Set("event", "ONAPPUNINSTALL")
	values.Set("auth[application_token]", "tok")
	decoded, err := DecodeCrmEvent(values)
	require.NoError(t, err)
	assert.Equal(t, bridge.EventAppUninstall, decoded.Task.Event)
}

func postForm(t *testing.T, h *CrmWebhookHandler, values url.Values) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/crm", strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	err := h.HandleEvent(e.NewContext(req, rec))
	if err != nil {
		e.HTTPErrorHandler(err, e.NewContext(req, rec))
	}
	return rec
}

func TestHandleEventEnqueuesAndAcks(t *testing.T) {
	installations := &fakeInstallations{byToken: map[string]store.AppInstallation{
		"app-tok": {ID: "inst-1", PortalID: "portal-1", AppToken: "app-tok"},
	}}
	publisher := &capturingPublisher{}
	h := NewCrmWebhookHandler(nil, installations, publisher)

	rec := postForm(t, h, crmForm())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	require.Len(t, publisher.tasks, 1)
	task := publisher.tasks[0].(bridge.CrmEventTask)
	assert.Equal(t, "inst-1", task.InstallationID)
}

func TestHandleEventUnknownTokenRejected(t *testing.T) {
	h := NewCrmWebhookHandler(nil, &fakeInstallations{byToken: map[string]store.AppInstallation{}}, &capturingPublisher{})
	rec := postForm(t, h, crmForm())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
