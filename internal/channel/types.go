// Package channel defines the common message shapes and adapter contracts
// shared by all external messaging channels.
package channel

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies a messaging channel.
type Type string

const (
	TypeCloudMsg Type = "cloudmsg"
	TypeHostedGw Type = "hostedgw"
	TypeMarket   Type = "market"
)

// String returns the channel type as a plain string.
func (t Type) String() string {
	return string(t)
}

// ParseType validates a raw channel type string.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeCloudMsg:
		return TypeCloudMsg, nil
	case TypeHostedGw:
		return TypeHostedGw, nil
	case TypeMarket:
		return TypeMarket, nil
	}
	return "", fmt.Errorf("unknown channel type %q", raw)
}

// Endpoint describes the channel session an adapter talks through: the
// channel-specific id (phone number id, marketplace account, gateway session)
// plus whatever secret the channel requires.
type Endpoint struct {
	SessionID  string
	Type       Type
	ExternalID string
	Secret     string
}

// AttachmentKind classifies a binary attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is a binary file attached to a message. One of URL or Base64
// carries the content; MediaID is the channel-side handle when the event
// carries only an id.
type Attachment struct {
	Kind    AttachmentKind `json:"kind"`
	URL     string         `json:"url,omitempty"`
	Base64  string         `json:"base64,omitempty"`
	MediaID string         `json:"media_id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Mime    string         `json:"mime,omitempty"`
	Size    int64          `json:"size,omitempty"`
}

// HasContent reports whether the attachment bytes are already resolvable.
func (a Attachment) HasContent() bool {
	return a.URL != "" || a.Base64 != ""
}

// InboundMessage is a channel message normalized into the common shape.
type InboundMessage struct {
	Channel     Type         `json:"channel"`
	SessionRef  string       `json:"session_ref"`
	MessageID   string       `json:"message_id"`
	PeerID      string       `json:"peer_id"`
	PeerName    string       `json:"peer_name,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	QuotedID    string       `json:"quoted_id,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// OutboundMessage is a CRM operator message bound for a channel peer.
type OutboundMessage struct {
	PeerID       string       `json:"peer_id"`
	CrmMessageID string       `json:"crm_message_id"`
	Text         string       `json:"text,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	QuotedID     string       `json:"quoted_id,omitempty"`
}

// DeliveryResult reports a successful channel delivery.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
}

// ProviderError is a structured delivery failure reported by the channel's
// content provider. It renders as a user-readable string for the CRM chat.
type ProviderError struct {
	Code   int
	Title  string
	Detail string
}

func (e *ProviderError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("provider error %d: %s", e.Code, e.Title)
	}
	return fmt.Sprintf("provider error %d: %s (%s)", e.Code, e.Title, e.Detail)
}

// Readable renders the failure the way it is posted back into the CRM chat.
func (e *ProviderError) Readable() string {
	parts := []string{e.Title}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return fmt.Sprintf("[%d] %s", e.Code, strings.Join(parts, ": "))
}
