// Package market adapts the marketplace messaging API to the common channel
// shapes. The marketplace pushes nothing: threads are polled on a schedule
// and new messages detected through a per-thread last-seen-id cursor.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/estvita/openbridge/internal/channel"
)

// Adapter implements channel.Deliverer for the marketplace and exposes the
// thread polling primitives the Poller drives. Endpoint.ExternalID is the
// marketplace account id; for outbound messages PeerID is the thread id.
type Adapter struct {
	logger *slog.Logger
	client *resty.Client
	tokens oauth2.TokenSource
}

// New creates a marketplace adapter. Authentication uses the OAuth2
// client-credentials grant; the token source caches tokens until expiry.
func New(log *slog.Logger, apiBase, tokenURL, clientID, clientSecret string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", string(channel.TypeMarket))),
		client: resty.New().SetBaseURL(strings.TrimRight(apiBase, "/")),
		tokens: cc.TokenSource(context.Background()),
	}
}

// Type returns the marketplace channel type.
func (a *Adapter) Type() channel.Type {
	return channel.TypeMarket
}

func (a *Adapter) request(ctx context.Context) (*resty.Request, error) {
	token, err := a.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("marketplace token: %w", err)
	}
	return a.client.R().SetContext(ctx).SetAuthToken(token.AccessToken), nil
}

// Thread is a marketplace conversation with a buyer.
type Thread struct {
	ID     string `json:"id"`
	Unread int    `json:"unread"`
	Buyer  struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"buyer"`
}

type threadMessage struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Author    struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"author"`
	Attachments []struct {
		URL  string `json:"url"`
		Mime string `json:"mime"`
		Name string `json:"name"`
	} `json:"attachments"`
}

// UnreadThreads lists the account's threads that carry unread messages.
func (a *Adapter) UnreadThreads(ctx context.Context, endpoint channel.Endpoint) ([]Thread, error) {
	req, err := a.request(ctx)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Threads []Thread `json:"threads"`
	}
	resp, err := req.
		SetQueryParam("unread_only", "true").
		SetResult(&decoded).
		Get("/accounts/" + endpoint.ExternalID + "/threads")
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list threads: unexpected status %d", resp.StatusCode())
	}
	return decoded.Threads, nil
}

// MessagesSince fetches a thread's messages with numeric id greater than
// afterID, oldest first, skipping the tenant's own (seller-authored) entries.
// It returns the messages and the highest id observed, cursor candidate
// included for skipped entries.
func (a *Adapter) MessagesSince(ctx context.Context, endpoint channel.Endpoint, thread Thread, afterID int64) ([]channel.InboundMessage, int64, error) {
	req, err := a.request(ctx)
	if err != nil {
		return nil, afterID, err
	}
	var decoded struct {
		Messages []threadMessage `json:"messages"`
	}
	resp, err := req.SetResult(&decoded).Get("/threads/" + thread.ID + "/messages")
	if err != nil {
		return nil, afterID, fmt.Errorf("thread %s messages: %w", thread.ID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, afterID, fmt.Errorf("thread %s messages: unexpected status %d", thread.ID, resp.StatusCode())
	}

	maxID := afterID
	var out []channel.InboundMessage
	for _, m := range decoded.Messages {
		if m.ID <= afterID {
			continue
		}
		if m.ID > maxID {
			maxID = m.ID
		}
		if m.Author.Type == "seller" {
			continue
		}
		msg := channel.InboundMessage{
			Channel:    channel.TypeMarket,
			SessionRef: endpoint.ExternalID,
			MessageID:  strconv.FormatInt(m.ID, 10),
			PeerID:     thread.ID,
			PeerName:   m.Author.Name,
			Text:       m.Text,
			ReceivedAt: messageTime(m.CreatedAt),
		}
		for _, att := range m.Attachments {
			msg.Attachments = append(msg.Attachments, channel.Attachment{
				Kind: kindForMime(att.Mime),
				URL:  att.URL,
				Name: att.Name,
				Mime: att.Mime,
			})
		}
		out = append(out, msg)
	}
	return out, maxID, nil
}

// Deliver posts a reply into the marketplace thread named by PeerID.
func (a *Adapter) Deliver(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	req, err := a.request(ctx)
	if err != nil {
		return channel.DeliveryResult{}, err
	}
	text := msg.Text
	for _, att := range msg.Attachments {
		if att.URL != "" {
			text = strings.TrimSpace(text + "\n" + att.URL)
		}
	}
	var decoded struct {
		ID    int64 `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	resp, err := req.
		SetBody(map[string]any{"text": text}).
		SetResult(&decoded).
		SetError(&decoded).
		Post("/threads/" + msg.PeerID + "/messages")
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("thread %s reply: %w", msg.PeerID, err)
	}
	if decoded.Error != nil {
		return channel.DeliveryResult{}, &channel.ProviderError{
			Code:  decoded.Error.Code,
			Title: decoded.Error.Message,
		}
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return channel.DeliveryResult{}, fmt.Errorf("thread %s reply: unexpected status %d", msg.PeerID, resp.StatusCode())
	}
	return channel.DeliveryResult{MessageID: strconv.FormatInt(decoded.ID, 10)}, nil
}

func kindForMime(mime string) channel.AttachmentKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return channel.AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return channel.AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return channel.AttachmentAudio
	}
	return channel.AttachmentDocument
}

func messageTime(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
