package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/kvstore"
)

type staticSource []channel.Endpoint

func (s staticSource) Endpoints(ctx context.Context) ([]channel.Endpoint, error) {
	return s, nil
}

// marketServer fakes the token endpoint, thread listing, and message feeds.
func marketServer(t *testing.T, messagesByThread map[string][]string) (*httptest.Server, *int) {
	t.Helper()
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"mk-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/accounts/acc-1/threads", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer mk-token", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("unread_only"))
		var threads []map[string]any
		for id := range messagesByThread {
			threads = append(threads, map[string]any{"id": id, "unread": 1})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"threads": threads})
	})
	for id, texts := range messagesByThread {
		id, texts := id, texts
		mux.HandleFunc("/threads/"+id+"/messages", func(w http.ResponseWriter, r *http.Request) {
			var msgs []map[string]any
			for i, text := range texts {
				msgs = append(msgs, map[string]any{
					"id":   i + 1,
					"text": text,
					"author": map[string]any{
						"id": "buyer-1", "name": "Buyer", "type": "buyer",
					},
					"created_at": "2026-08-28T10:00:00Z",
				})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": msgs})
		})
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &tokenCalls
}

func TestPollOnceAdvancesCursor(t *testing.T) {
	server, tokenCalls := marketServer(t, map[string][]string{
		"th-7": {"is this still available?", "what about shipping?"},
	})

	adapter := New(nil, server.URL, server.URL+"/oauth/token", "cid", "secret")
	cursors := kvstore.NewMemoryStore()
	var seen []channel.InboundMessage
	sink := func(ctx context.Context, msg channel.InboundMessage) error {
		seen = append(seen, msg)
		return nil
	}
	endpoint := channel.Endpoint{SessionID: "sess-1", Type: channel.TypeMarket, ExternalID: "acc-1"}
	poller := NewPoller(nil, adapter, staticSource{endpoint}, cursors, sink)

	poller.PollOnce(context.Background())
	require.Len(t, seen, 2)
	assert.Equal(t, "1", seen[0].MessageID)
	assert.Equal(t, "th-7", seen[0].PeerID)
	assert.Equal(t, "acc-1", seen[0].SessionRef)

	cursor, ok := cursors.Get(kvstore.CursorKey("sess-1", "th-7"))
	require.True(t, ok)
	assert.Equal(t, "2", cursor)

	// Second cycle sees no ids above the cursor.
	poller.PollOnce(context.Background())
	assert.Len(t, seen, 2)

	// Token was fetched once and cached across calls.
	assert.Equal(t, 1, *tokenCalls)
}

func TestPollOnceKeepsCursorOnSinkFailure(t *testing.T) {
	server, _ := marketServer(t, map[string][]string{
		"th-9": {"hello"},
	})

	adapter := New(nil, server.URL, server.URL+"/oauth/token", "cid", "secret")
	cursors := kvstore.NewMemoryStore()
	sink := func(ctx context.Context, msg channel.InboundMessage) error {
		return fmt.Errorf("queue down")
	}
	endpoint := channel.Endpoint{SessionID: "sess-1", Type: channel.TypeMarket, ExternalID: "acc-1"}
	poller := NewPoller(nil, adapter, staticSource{endpoint}, cursors, sink)

	poller.PollOnce(context.Background())
	_, ok := cursors.Get(kvstore.CursorKey("sess-1", "th-9"))
	assert.False(t, ok)
}

func TestDeliverPostsThreadReply(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"mk-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/threads/th-7/messages", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":55}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	adapter := New(nil, server.URL, server.URL+"/oauth/token", "cid", "secret")
	res, err := adapter.Deliver(context.Background(), channel.Endpoint{ExternalID: "acc-1"}, channel.OutboundMessage{
		PeerID: "th-7",
		Text:   "yes, still available",
	})
	require.NoError(t, err)
	assert.Equal(t, "55", res.MessageID)
	assert.Equal(t, "yes, still available", got["text"])
}
