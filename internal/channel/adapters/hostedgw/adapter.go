// Package hostedgw adapts a self-hosted messaging gateway to the common
// channel shapes. The gateway exposes one session per connected phone and
// pushes events as JSON webhooks.
package hostedgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/estvita/openbridge/internal/channel"
)

// Event subtypes pushed by the gateway.
const (
	subtypeText     = "chat"
	subtypeLocation = "location"
	subtypeContact  = "vcard"
	subtypeReaction = "reaction"
	subtypeTemplate = "template"
	subtypeImage    = "image"
	subtypeVideo    = "video"
	subtypeAudio    = "audio"
	subtypePTT      = "ptt"
	subtypeDocument = "document"
)

// Adapter implements channel.Normalizer, channel.Deliverer, and
// channel.MediaFetcher for the self-hosted gateway. Endpoint.ExternalID names
// the gateway session.
type Adapter struct {
	logger *slog.Logger
	client *resty.Client
}

// New creates a gateway adapter talking to baseURL with the given API key.
func New(log *slog.Logger, baseURL, apiKey string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	client := resty.New().SetBaseURL(strings.TrimRight(baseURL, "/"))
	if apiKey != "" {
		client.SetHeader("X-Api-Key", apiKey)
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", string(channel.TypeHostedGw))),
		client: client,
	}
}

// Type returns the self-hosted gateway channel type.
func (a *Adapter) Type() channel.Type {
	return channel.TypeHostedGw
}

type webhookEvent struct {
	Event    string         `json:"event"`
	Session  string         `json:"session"`
	Messages []gatewayEvent `json:"messages"`
}

type gatewayEvent struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	FromMe     bool   `json:"fromMe"`
	SenderName string `json:"sender_name"`
	Type       string `json:"type"`
	Body       string `json:"body"`
	QuotedID   string `json:"quoted_id"`
	Timestamp  int64  `json:"timestamp"`
	Location   *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
	Vcard    string `json:"vcard"`
	Reaction *struct {
		Text      string `json:"text"`
		MessageID string `json:"message_id"`
	} `json:"reaction"`
	Media *struct {
		ID       string `json:"id"`
		MimeType string `json:"mimetype"`
		Filename string `json:"filename"`
		Base64   string `json:"base64"`
	} `json:"media"`
}

// Normalize decodes a gateway webhook and classifies each event subtype into
// the common text-or-media shape. Events originated by the connected phone
// itself (fromMe) are skipped.
func (a *Adapter) Normalize(raw []byte, endpoint channel.Endpoint) ([]channel.InboundMessage, error) {
	var env webhookEvent
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode gateway payload: %w", err)
	}

	session := env.Session
	if session == "" {
		session = endpoint.ExternalID
	}

	var out []channel.InboundMessage
	for _, ev := range env.Messages {
		if ev.FromMe {
			continue
		}
		msg := channel.InboundMessage{
			Channel:    channel.TypeHostedGw,
			SessionRef: session,
			MessageID:  ev.ID,
			PeerID:     strings.SplitN(ev.From, "@", 2)[0],
			PeerName:   ev.SenderName,
			QuotedID:   ev.QuotedID,
			ReceivedAt: eventTime(ev.Timestamp),
		}
		if err := a.classify(&msg, ev); err != nil {
			a.logger.Warn("skipping gateway event",
				slog.String("subtype", ev.Type), slog.String("event_id", ev.ID), slog.Any("error", err))
			continue
		}
		if msg.Text == "" && len(msg.Attachments) == 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (a *Adapter) classify(msg *channel.InboundMessage, ev gatewayEvent) error {
	switch ev.Type {
	case subtypeText, subtypeTemplate, "":
		msg.Text = ev.Body
	case subtypeLocation:
		if ev.Location == nil {
			return fmt.Errorf("location event without coordinates")
		}
		msg.Text = formatLocation(ev.Location.Name, ev.Location.Latitude, ev.Location.Longitude)
	case subtypeContact:
		msg.Text = contactCardText(ev.Vcard)
	case subtypeReaction:
		if ev.Reaction == nil {
			return fmt.Errorf("reaction event without payload")
		}
		msg.Text = ev.Reaction.Text
		msg.QuotedID = ev.Reaction.MessageID
	case subtypeImage, subtypeVideo, subtypeAudio, subtypePTT, subtypeDocument:
		if ev.Media == nil {
			return fmt.Errorf("media event without media block")
		}
		msg.Text = ev.Body
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Kind:    mediaKind(ev.Type),
			MediaID: ev.Media.ID,
			Base64:  ev.Media.Base64,
			Name:    ev.Media.Filename,
			Mime:    ev.Media.MimeType,
		})
	default:
		return fmt.Errorf("unsupported subtype %q", ev.Type)
	}
	return nil
}

func mediaKind(subtype string) channel.AttachmentKind {
	switch subtype {
	case subtypeImage:
		return channel.AttachmentImage
	case subtypeVideo:
		return channel.AttachmentVideo
	case subtypeAudio, subtypePTT:
		return channel.AttachmentAudio
	}
	return channel.AttachmentDocument
}

func formatLocation(name string, lat, lon float64) string {
	link := fmt.Sprintf("https://maps.google.com/?q=%f,%f", lat, lon)
	if name != "" {
		return name + "\n" + link
	}
	return link
}

// contactCardText pulls the display name and phone numbers out of a vCard.
func contactCardText(vcard string) string {
	var lines []string
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FN:"):
			lines = append(lines, strings.TrimPrefix(line, "FN:"))
		case strings.HasPrefix(line, "TEL"):
			if _, number, ok := strings.Cut(line, ":"); ok {
				lines = append(lines, number)
			}
		}
	}
	if len(lines) == 0 {
		return vcard
	}
	return strings.Join(lines, "\n")
}

func eventTime(ts int64) time.Time {
	if ts > 0 {
		return time.Unix(ts, 0).UTC()
	}
	return time.Now().UTC()
}

type sendResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"error"`
}

// Deliver sends an outbound message through the gateway session, choosing
// sendText or sendMedia by message shape.
func (a *Adapter) Deliver(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	if len(msg.Attachments) > 0 {
		return a.sendMedia(ctx, endpoint, msg)
	}
	return a.sendText(ctx, endpoint, msg)
}

func (a *Adapter) sendText(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	body := map[string]any{
		"chatId": msg.PeerID,
		"text":   msg.Text,
	}
	if msg.QuotedID != "" {
		body["quoted_id"] = msg.QuotedID
	}
	return a.post(ctx, "/message/sendText/"+endpoint.ExternalID, body)
}

func (a *Adapter) sendMedia(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	att := msg.Attachments[0]
	media := map[string]any{
		"mimetype": att.Mime,
		"filename": att.Name,
	}
	switch {
	case att.URL != "":
		media["url"] = att.URL
	case att.Base64 != "":
		media["base64"] = att.Base64
	default:
		return channel.DeliveryResult{}, fmt.Errorf("attachment has neither url nor content")
	}
	body := map[string]any{
		"chatId":  msg.PeerID,
		"caption": msg.Text,
		"media":   media,
	}
	if msg.QuotedID != "" {
		body["quoted_id"] = msg.QuotedID
	}
	return a.post(ctx, "/message/sendMedia/"+endpoint.ExternalID, body)
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]any) (channel.DeliveryResult, error) {
	var decoded sendResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&decoded).
		SetError(&decoded).
		Post(path)
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("gateway send: %w", err)
	}
	if decoded.Error != nil {
		return channel.DeliveryResult{}, &channel.ProviderError{
			Code:   decoded.Error.Code,
			Title:  decoded.Error.Message,
			Detail: decoded.Error.Detail,
		}
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		return channel.DeliveryResult{}, fmt.Errorf("gateway send: unexpected status %d", resp.StatusCode())
	}
	return channel.DeliveryResult{MessageID: decoded.ID}, nil
}

// FetchMedia downloads the media for an event that carried only an id. The
// gateway returns the bytes base64-encoded.
func (a *Adapter) FetchMedia(ctx context.Context, endpoint channel.Endpoint, mediaID string) (channel.Attachment, error) {
	var decoded struct {
		Base64   string `json:"base64"`
		MimeType string `json:"mimetype"`
		Filename string `json:"filename"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&decoded).
		Get("/message/media/" + endpoint.ExternalID + "/" + mediaID)
	if err != nil {
		return channel.Attachment{}, fmt.Errorf("fetch media %s: %w", mediaID, err)
	}
	if resp.StatusCode() != http.StatusOK || decoded.Base64 == "" {
		return channel.Attachment{}, fmt.Errorf("fetch media %s: unexpected status %d", mediaID, resp.StatusCode())
	}
	return channel.Attachment{
		Kind:    KindForMime(decoded.MimeType),
		Base64:  decoded.Base64,
		MediaID: mediaID,
		Name:    decoded.Filename,
		Mime:    decoded.MimeType,
	}, nil
}

// KindForMime classifies a mime type into an attachment kind.
func KindForMime(mime string) channel.AttachmentKind {
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
