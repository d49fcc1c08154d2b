package cloudmsg

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/channel"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureTriesEveryApp(t *testing.T) {
	body := []byte(`{"entry":[]}`)
	secrets := []string{"wrong-one", "", "the-right-one"}

	idx, ok := VerifySignature(body, sign("the-right-one", body), secrets)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = VerifySignature(body, sign("unknown", body), secrets)
	assert.False(t, ok)

	_, ok = VerifySignature(body, "md5=abc", secrets)
	assert.False(t, ok)
}

const inboundPayload = `{
  "entry": [{"changes": [{"value": {
    "metadata": {"phone_number_id": "555001"},
    "contacts": [{"wa_id": "4917612345", "profile": {"name": "Ada"}}],
    "messages": [
      {"from": "4917612345", "id": "wamid.1", "timestamp": "1700000000",
       "type": "text", "text": {"body": "hello"},
       "context": {"id": "wamid.0"}},
      {"from": "4917612345", "id": "wamid.2", "timestamp": "1700000001",
       "type": "image", "image": {"id": "media-9", "mime_type": "image/jpeg"}}
    ]
  }}]}]}`

func TestNormalizeMessages(t *testing.T) {
	a := New(nil, "https://graph.example.com")
	msgs, err := a.Normalize([]byte(inboundPayload), channel.Endpoint{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "555001", msgs[0].SessionRef)
	assert.Equal(t, "wamid.1", msgs[0].MessageID)
	assert.Equal(t, "4917612345", msgs[0].PeerID)
	assert.Equal(t, "Ada", msgs[0].PeerName)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "wamid.0", msgs[0].QuotedID)
	assert.Equal(t, int64(1700000000), msgs[0].ReceivedAt.Unix())

	require.Len(t, msgs[1].Attachments, 1)
	assert.Equal(t, channel.AttachmentImage, msgs[1].Attachments[0].Kind)
	assert.Equal(t, "media-9", msgs[1].Attachments[0].MediaID)
}

func TestNormalizeStatusOnlyPayload(t *testing.T) {
	payload := `{"entry":[{"changes":[{"value":{
	  "metadata":{"phone_number_id":"555001"},
	  "statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`
	a := New(nil, "https://graph.example.com")
	msgs, err := a.Normalize([]byte(payload), channel.Endpoint{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeliverText(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/555001/messages", r.URL.Path)
		assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.out"}]}`))
	}))
	defer server.Close()

	a := New(nil, server.URL)
	endpoint := channel.Endpoint{Type: channel.TypeCloudMsg, ExternalID: "555001", Secret: "app-token"}
	res, err := a.Deliver(context.Background(), endpoint, channel.OutboundMessage{
		PeerID:   "4917612345",
		Text:     "hi there",
		QuotedID: "wamid.q",
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", res.MessageID)
	assert.Equal(t, "text", got["type"])
	assert.Equal(t, "hi there", got["text"].(map[string]any)["body"])
	assert.Equal(t, "wamid.q", got["context"].(map[string]any)["message_id"])
}

func TestDeliverTemplate(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.tpl"}]}`))
	}))
	defer server.Close()

	a := New(nil, server.URL)
	endpoint := channel.Endpoint{ExternalID: "555001", Secret: "app-token"}
	_, err := a.Deliver(context.Background(), endpoint, channel.OutboundMessage{
		PeerID: "4917612345",
		Text:   "template+promo+en_US+Hello|World+button_param:Shop",
	})
	require.NoError(t, err)

	assert.Equal(t, "template", got["type"])
	tpl := got["template"].(map[string]any)
	assert.Equal(t, "promo", tpl["name"])
	assert.Equal(t, "en_US", tpl["language"].(map[string]any)["code"])
	components := tpl["components"].([]any)
	require.Len(t, components, 2)
	body := components[0].(map[string]any)
	assert.Equal(t, "body", body["type"])
	assert.Len(t, body["parameters"].([]any), 2)
	button := components[1].(map[string]any)
	assert.Equal(t, "button", button["type"])
}

func TestDeliverMediaUploadsStagedBytes(t *testing.T) {
	var sent map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/555001/media":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"media-77"}`))
		case "/555001/messages":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.media"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	a := New(nil, server.URL)
	endpoint := channel.Endpoint{ExternalID: "555001", Secret: "app-token"}
	res, err := a.Deliver(context.Background(), endpoint, channel.OutboundMessage{
		PeerID: "4917612345",
		Attachments: []channel.Attachment{{
			Kind:   channel.AttachmentImage,
			Base64: base64.StdEncoding.EncodeToString([]byte("img-bytes")),
			Name:   "pic.png",
			Mime:   "image/png",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "wamid.media", res.MessageID)
	assert.Equal(t, "media-77", sent["image"].(map[string]any)["id"])
}

func TestDeliverProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":131026,"title":"Undeliverable","error_data":{"details":"recipient opted out"}}}`))
	}))
	defer server.Close()

	a := New(nil, server.URL)
	_, err := a.Deliver(context.Background(), channel.Endpoint{ExternalID: "555001"}, channel.OutboundMessage{
		PeerID: "4917612345",
		Text:   "hi",
	})
	var provErr *channel.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 131026, provErr.Code)
	assert.Equal(t, "[131026] Undeliverable: recipient opted out", provErr.Readable())
}

func TestUploadMedia(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/555001/media", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whatsapp", r.FormValue("messaging_product"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"media-42"}`))
	}))
	defer server.Close()

	a := New(nil, server.URL)
	endpoint := channel.Endpoint{ExternalID: "555001", Secret: "app-token"}
	id, err := a.UploadMedia(context.Background(), endpoint, "photo.jpg", "image/jpeg", []byte("bytes"))
	require.NoError(t, err)
	assert.Equal(t, "media-42", id)
}
