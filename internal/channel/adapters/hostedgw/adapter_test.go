package hostedgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/channel"
)

const gatewayPayload = `{
  "event": "message",
  "session": "wa-main",
  "messages": [
    {"id": "gw1", "from": "4917612345@c.us", "sender_name": "Ada",
     "type": "chat", "body": "hello", "timestamp": 1700000000},
    {"id": "gw2", "from": "4917612345@c.us", "type": "location",
     "location": {"latitude": 52.52, "longitude": 13.405, "name": "Office"}},
    {"id": "gw3", "from": "4917612345@c.us", "type": "vcard",
     "vcard": "BEGIN:VCARD\nFN:Grace Hopper\nTEL;type=CELL:+1 555 0100\nEND:VCARD"},
    {"id": "gw4", "from": "4917612345@c.us", "type": "reaction",
     "reaction": {"text": "👍", "message_id": "gw1"}},
    {"id": "gw5", "from": "4917612345@c.us", "type": "image", "body": "caption",
     "media": {"id": "m5", "mimetype": "image/jpeg"}},
    {"id": "gw6", "from": "4917612345@c.us", "fromMe": true,
     "type": "chat", "body": "own phone echo"},
    {"id": "gw7", "from": "4917612345@c.us", "type": "poll"}
  ]}`

func TestNormalizeClassifiesSubtypes(t *testing.T) {
	a := New(nil, "http://gw.local", "key")
	msgs, err := a.Normalize([]byte(gatewayPayload), channel.Endpoint{ExternalID: "wa-main"})
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "4917612345", msgs[0].PeerID)
	assert.Equal(t, "wa-main", msgs[0].SessionRef)
	assert.Equal(t, int64(1700000000), msgs[0].ReceivedAt.Unix())

	assert.Contains(t, msgs[1].Text, "Office")
	assert.Contains(t, msgs[1].Text, "maps.google.com")

	assert.Contains(t, msgs[2].Text, "Grace Hopper")
	assert.Contains(t, msgs[2].Text, "+1 555 0100")

	assert.Equal(t, "👍", msgs[3].Text)
	assert.Equal(t, "gw1", msgs[3].QuotedID)

	require.Len(t, msgs[4].Attachments, 1)
	assert.Equal(t, channel.AttachmentImage, msgs[4].Attachments[0].Kind)
	assert.Equal(t, "m5", msgs[4].Attachments[0].MediaID)
	assert.Equal(t, "caption", msgs[4].Text)
}

func TestDeliverTextAndMedia(t *testing.T) {
	var paths []string
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sent-1"}`))
	}))
	defer server.Close()

	a := New(nil, server.URL, "key")
	endpoint := channel.Endpoint{ExternalID: "wa-main"}

	res, err := a.Deliver(context.Background(), endpoint, channel.OutboundMessage{
		PeerID: "4917612345", Text: "reply", QuotedID: "gw1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", res.MessageID)

	_, err = a.Deliver(context.Background(), endpoint, channel.OutboundMessage{
		PeerID: "4917612345",
		Text:   "see attached",
		Attachments: []channel.Attachment{
			{Kind: channel.AttachmentDocument, URL: "https://files/doc.pdf", Name: "doc.pdf", Mime: "application/pdf"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"/message/sendText/wa-main", "/message/sendMedia/wa-main"}, paths)
	assert.Equal(t, "gw1", bodies[0]["quoted_id"])
	media := bodies[1]["media"].(map[string]any)
	assert.Equal(t, "https://files/doc.pdf", media["url"])
}

func TestDeliverProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":422,"message":"session not connected"}}`))
	}))
	defer server.Close()

	a := New(nil, server.URL, "")
	_, err := a.Deliver(context.Background(), channel.Endpoint{ExternalID: "wa-main"}, channel.OutboundMessage{
		PeerID: "4917612345", Text: "hi",
	})
	var provErr *channel.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "[422] session not connected", provErr.Readable())
}

func TestFetchMedia(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/message/media/wa-main/m5", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base64":"aGk=","mimetype":"image/png","filename":"pic.png"}`))
	}))
	defer server.Close()

	a := New(nil, server.URL, "")
	att, err := a.FetchMedia(context.Background(), channel.Endpoint{ExternalID: "wa-main"}, "m5")
	require.NoError(t, err)
	assert.Equal(t, channel.AttachmentImage, att.Kind)
	assert.Equal(t, "aGk=", att.Base64)
	assert.Equal(t, "pic.png", att.Name)
}
