// Package cloudmsg adapts the cloud-messaging platform (WABA-style API) to
// the common channel shapes.
package cloudmsg

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/estvita/openbridge/internal/channel"
)

const signaturePrefix = "sha256="

// Adapter implements channel.Normalizer and channel.Deliverer for the
// cloud-messaging platform. Endpoint.ExternalID is the phone number id and
// Endpoint.Secret the tenant app access token.
type Adapter struct {
	logger *slog.Logger
	client *resty.Client
}

// New creates a cloud-messaging adapter talking to apiBase.
func New(log *slog.Logger, apiBase string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", string(channel.TypeCloudMsg))),
		client: resty.New().SetBaseURL(strings.TrimRight(apiBase, "/")),
	}
}

// Type returns the cloud-messaging channel type.
func (a *Adapter) Type() channel.Type {
	return channel.TypeCloudMsg
}

// VerifySignature checks an X-Hub-Signature-256 header against each candidate
// app secret and returns the index of the first secret that verifies. Several
// tenant apps can share one inbound host, so every secret is tried.
func VerifySignature(raw []byte, header string, secrets []string) (int, bool) {
	digest, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return 0, false
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return 0, false
	}
	for i, secret := range secrets {
		if secret == "" {
			continue
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(raw)
		if hmac.Equal(mac.Sum(nil), want) {
			return i, true
		}
	}
	return 0, false
}

// webhookEnvelope is the WABA-style webhook payload.
type webhookEnvelope struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []inboundMessage `json:"messages"`
				Statuses []struct {
					ID     string `json:"id"`
					Status string `json:"status"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *inboundMedia `json:"image"`
	Video    *inboundMedia `json:"video"`
	Audio    *inboundMedia `json:"audio"`
	Document *inboundMedia `json:"document"`
	Context  *struct {
		ID string `json:"id"`
	} `json:"context"`
}

type inboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// Normalize decodes a webhook payload into common inbound messages. Status
// change events normalize to an empty slice.
func (a *Adapter) Normalize(raw []byte, endpoint channel.Endpoint) ([]channel.InboundMessage, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	var out []channel.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, c := range value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range value.Messages {
				msg := channel.InboundMessage{
					Channel:    channel.TypeCloudMsg,
					SessionRef: value.Metadata.PhoneNumberID,
					MessageID:  m.ID,
					PeerID:     m.From,
					PeerName:   names[m.From],
					ReceivedAt: parseTimestamp(m.Timestamp),
				}
				if m.Text != nil {
					msg.Text = m.Text.Body
				}
				if m.Context != nil {
					msg.QuotedID = m.Context.ID
				}
				if att, ok := mediaAttachment(m); ok {
					msg.Attachments = append(msg.Attachments, att)
				}
				if msg.Text == "" && len(msg.Attachments) == 0 {
					a.logger.Debug("skipping unsupported message type",
						slog.String("type", m.Type), slog.String("message_id", m.ID))
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func mediaAttachment(m inboundMessage) (channel.Attachment, bool) {
	var (
		media *inboundMedia
		kind  channel.AttachmentKind
	)
	switch {
	case m.Image != nil:
		media, kind = m.Image, channel.AttachmentImage
	case m.Video != nil:
		media, kind = m.Video, channel.AttachmentVideo
	case m.Audio != nil:
		media, kind = m.Audio, channel.AttachmentAudio
	case m.Document != nil:
		media, kind = m.Document, channel.AttachmentDocument
	default:
		return channel.Attachment{}, false
	}
	return channel.Attachment{
		Kind:    kind,
		MediaID: media.ID,
		Name:    media.Filename,
		Mime:    media.MimeType,
	}, true
}

func parseTimestamp(raw string) time.Time {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	return time.Now().UTC()
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

func (e *apiError) provider() *channel.ProviderError {
	title := e.Title
	if title == "" {
		title = e.Message
	}
	return &channel.ProviderError{Code: e.Code, Title: title, Detail: e.ErrorData.Details}
}

// Deliver sends an outbound message to a peer. Template codes expand into a
// template send, attachments into media sends (uploading bytes first when no
// public link exists), plain text into a text send.
func (a *Adapter) Deliver(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	switch {
	case IsTemplateCode(msg.Text):
		tpl, err := ParseTemplate(msg.Text)
		if err != nil {
			return channel.DeliveryResult{}, err
		}
		return a.sendTemplate(ctx, endpoint, msg.PeerID, tpl)
	case len(msg.Attachments) > 0:
		return a.sendMedia(ctx, endpoint, msg)
	default:
		return a.sendText(ctx, endpoint, msg)
	}
}

func (a *Adapter) sendText(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.PeerID,
		"type":              "text",
		"text":              map[string]any{"body": msg.Text},
	}
	if msg.QuotedID != "" {
		body["context"] = map[string]any{"message_id": msg.QuotedID}
	}
	return a.postMessage(ctx, endpoint, body)
}

func (a *Adapter) sendMedia(ctx context.Context, endpoint channel.Endpoint, msg channel.OutboundMessage) (channel.DeliveryResult, error) {
	att := msg.Attachments[0]
	payload := map[string]any{}
	switch {
	case att.URL != "":
		payload["link"] = att.URL
	case att.MediaID != "":
		payload["id"] = att.MediaID
	case att.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(att.Base64)
		if err != nil {
			return channel.DeliveryResult{}, fmt.Errorf("decode attachment: %w", err)
		}
		id, err := a.UploadMedia(ctx, endpoint, att.Name, att.Mime, data)
		if err != nil {
			return channel.DeliveryResult{}, err
		}
		payload["id"] = id
	default:
		return channel.DeliveryResult{}, fmt.Errorf("attachment has neither link nor content")
	}
	if msg.Text != "" && att.Kind != channel.AttachmentAudio {
		payload["caption"] = msg.Text
	}
	if att.Kind == channel.AttachmentDocument && att.Name != "" {
		payload["filename"] = att.Name
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                msg.PeerID,
		"type":              string(att.Kind),
		string(att.Kind):    payload,
	}
	if msg.QuotedID != "" {
		body["context"] = map[string]any{"message_id": msg.QuotedID}
	}
	return a.postMessage(ctx, endpoint, body)
}

func (a *Adapter) sendTemplate(ctx context.Context, endpoint channel.Endpoint, peerID string, tpl Template) (channel.DeliveryResult, error) {
	var components []map[string]any

	for _, link := range tpl.FileLinks {
		kind := a.sniffKind(ctx, link)
		components = append(components, map[string]any{
			"type": "header",
			"parameters": []map[string]any{{
				"type":       string(kind),
				string(kind): map[string]any{"link": link},
			}},
		})
	}
	if len(tpl.BodyParams) > 0 {
		params := make([]map[string]any, 0, len(tpl.BodyParams))
		for _, p := range tpl.BodyParams {
			params = append(params, map[string]any{"type": "text", "text": p})
		}
		components = append(components, map[string]any{"type": "body", "parameters": params})
	}
	for i, p := range tpl.ButtonParams {
		components = append(components, map[string]any{
			"type":       "button",
			"sub_type":   "url",
			"index":      strconv.Itoa(i),
			"parameters": []map[string]any{{"type": "text", "text": p}},
		})
	}

	template := map[string]any{
		"name":     tpl.Name,
		"language": map[string]any{"code": tpl.Lang},
	}
	if len(components) > 0 {
		template["components"] = components
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"to":                peerID,
		"type":              "template",
		"template":          template,
	}
	return a.postMessage(ctx, endpoint, body)
}

// sniffKind classifies a file link with a HEAD probe. Probe failures fall
// back to document.
func (a *Adapter) sniffKind(ctx context.Context, link string) channel.AttachmentKind {
	resp, err := a.client.R().SetContext(ctx).Head(link)
	if err != nil {
		a.logger.Warn("file link probe failed", slog.String("link", link), slog.Any("error", err))
		return channel.AttachmentDocument
	}
	return KindForContentType(resp.Header().Get("Content-Type"))
}

func (a *Adapter) postMessage(ctx context.Context, endpoint channel.Endpoint, body map[string]any) (channel.DeliveryResult, error) {
	var decoded sendResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(endpoint.Secret).
		SetBody(body).
		SetResult(&decoded).
		SetError(&decoded).
		Post("/" + endpoint.ExternalID + "/messages")
	if err != nil {
		return channel.DeliveryResult{}, fmt.Errorf("send message: %w", err)
	}
	if decoded.Error != nil {
		return channel.DeliveryResult{}, decoded.Error.provider()
	}
	if resp.StatusCode() != http.StatusOK || len(decoded.Messages) == 0 {
		return channel.DeliveryResult{}, fmt.Errorf("send message: unexpected status %d", resp.StatusCode())
	}
	return channel.DeliveryResult{MessageID: decoded.Messages[0].ID}, nil
}

// UploadMedia uploads attachment bytes and returns the platform media id.
func (a *Adapter) UploadMedia(ctx context.Context, endpoint channel.Endpoint, name, mime string, data []byte) (string, error) {
	var decoded struct {
		ID    string    `json:"id"`
		Error *apiError `json:"error"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(endpoint.Secret).
		SetFileReader("file", name, bytes.NewReader(data)).
		SetFormData(map[string]string{
			"messaging_product": "whatsapp",
			"type":              mime,
		}).
		SetResult(&decoded).
		SetError(&decoded).
		Post("/" + endpoint.ExternalID + "/media")
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	if decoded.Error != nil {
		return "", decoded.Error.provider()
	}
	if resp.StatusCode() != http.StatusOK || decoded.ID == "" {
		return "", fmt.Errorf("upload media: unexpected status %d", resp.StatusCode())
	}
	return decoded.ID, nil
}

// FetchMedia resolves a media id into a download URL plus metadata.
func (a *Adapter) FetchMedia(ctx context.Context, endpoint channel.Endpoint, mediaID string) (channel.Attachment, error) {
	var decoded struct {
		URL      string    `json:"url"`
		MimeType string    `json:"mime_type"`
		FileSize int64     `json:"file_size"`
		Error    *apiError `json:"error"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetAuthToken(endpoint.Secret).
		SetResult(&decoded).
		SetError(&decoded).
		Get("/" + mediaID)
	if err != nil {
		return channel.Attachment{}, fmt.Errorf("fetch media %s: %w", mediaID, err)
	}
	if decoded.Error != nil {
		return channel.Attachment{}, decoded.Error.provider()
	}
	if resp.StatusCode() != http.StatusOK || decoded.URL == "" {
		return channel.Attachment{}, fmt.Errorf("fetch media %s: unexpected status %d", mediaID, resp.StatusCode())
	}
	return channel.Attachment{
		Kind:    KindForContentType(decoded.MimeType),
		URL:     decoded.URL,
		MediaID: mediaID,
		Mime:    decoded.MimeType,
		Size:    decoded.FileSize,
	}, nil
}
