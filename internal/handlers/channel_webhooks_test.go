package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/bridge"
	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/channel/adapters/cloudmsg"
	"github.com/estvita/openbridge/internal/channel/adapters/hostedgw"
	"github.com/estvita/openbridge/internal/store"
)

type fakeSessions struct {
	sessions []store.ChannelSession
}

func (f *fakeSessions) ListSessionsByType(ctx context.Context, channelType string) ([]store.ChannelSession, error) {
	var out []store.ChannelSession
	for _, s := range f.sessions {
		if s.ChannelType == channelType {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessions) GetSessionByExternalID(ctx context.Context, channelType, externalID string) (store.ChannelSession, error) {
	for _, s := range f.sessions {
		if s.ChannelType == channelType && s.ExternalID == externalID {
			return s, nil
		}
	}
	return store.ChannelSession{}, store.ErrNotFound
}

const cloudMsgBody = `{"entry":[{"changes":[{"value":{
  "metadata":{"phone_number_id":"555001"},
  "messages":[{"from":"4917612345","id":"wamid.1","timestamp":"1700000000",
    "type":"text","text":{"body":"hello"}}]}}]}]}`

func signBody(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func cloudMsgFixture() (*CloudMsgWebhookHandler, *capturingPublisher) {
	sessions := &fakeSessions{sessions: []store.ChannelSession{
		{
			ID: "sess-a", ChannelType: string(channel.TypeCloudMsg), ExternalID: "555000",
			Settings: []byte(`{"app_secret":"other-secret","verify_token":"vt-a"}`),
		},
		{
			ID: "sess-b", ChannelType: string(channel.TypeCloudMsg), ExternalID: "555001",
			Settings: []byte(`{"app_secret":"right-secret","verify_token":"vt-b"}`),
		},
	}}
	publisher := &capturingPublisher{}
	adapter := cloudmsg.New(nil, "https://graph.example.com")
	return NewCloudMsgWebhookHandler(nil, sessions, adapter, publisher), publisher
}

func TestCloudMsgWebhookVerify(t *testing.T) {
	h, _ := cloudMsgFixture()
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/webhook/cloudmsg?hub.mode=subscribe&hub.verify_token=vt-b&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Verify(e.NewContext(req, rec)))
	assert.Equal(t, "12345", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/webhook/cloudmsg?hub.mode=subscribe&hub.verify_token=wrong", nil)
	err := h.Verify(e.NewContext(req, httptest.NewRecorder()))
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
}

func TestCloudMsgWebhookVerifiesAgainstEveryTenant(t *testing.T) {
	h, publisher := cloudMsgFixture()
	e := echo.New()

	// Signed with the second tenant's secret: first fails, second verifies.
	req := httptest.NewRequest(http.MethodPost, "/webhook/cloudmsg", strings.NewReader(cloudMsgBody))
	req.Header.Set("X-Hub-Signature-256", signBody("right-secret", cloudMsgBody))
	rec := httptest.NewRecorder()
	require.NoError(t, h.HandleEvent(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, publisher.tasks, 1)
	task := publisher.tasks[0].(bridge.InboundTask)
	assert.Equal(t, "sess-b", task.SessionID)
	assert.Equal(t, "hello", task.Message.Text)
}

func TestCloudMsgWebhookRejectsBadSignature(t *testing.T) {
	h, publisher := cloudMsgFixture()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/webhook/cloudmsg", strings.NewReader(cloudMsgBody))
	req.Header.Set("X-Hub-Signature-256", signBody("unknown-secret", cloudMsgBody))
	err := h.HandleEvent(e.NewContext(req, httptest.NewRecorder()))
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Code)
	assert.Empty(t, publisher.tasks)
}

func TestHostedGwWebhookEnqueues(t *testing.T) {
	sessions := &fakeSessions{sessions: []store.ChannelSession{
		{ID: "sess-gw", ChannelType: string(channel.TypeHostedGw), ExternalID: "wa-main"},
	}}
	publisher := &capturingPublisher{}
	h := NewHostedGwWebhookHandler(nil, sessions, hostedgw.New(nil, "http://gw.local", ""), publisher)

	body := `{"event":"message","session":"wa-main","messages":[
	  {"id":"gw1","from":"4917612345@c.us","type":"chat","body":"hi","timestamp":1700000000}]}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/hostedgw/wa-main", strings.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("session")
	c.SetParamValues("wa-main")

	require.NoError(t, h.HandleEvent(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, publisher.tasks, 1)
	task := publisher.tasks[0].(bridge.InboundTask)
	assert.Equal(t, "sess-gw", task.SessionID)
	assert.Equal(t, "gw1", task.Message.MessageID)
}

func TestHostedGwWebhookUnknownSession(t *testing.T) {
	h := NewHostedGwWebhookHandler(nil, &fakeSessions{}, hostedgw.New(nil, "http://gw.local", ""), &capturingPublisher{})
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/hostedgw/nope", strings.NewReader(`{}`))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("session")
	c.SetParamValues("nope")

	err := h.HandleEvent(c)
	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Code)
}
