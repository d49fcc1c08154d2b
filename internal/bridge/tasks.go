package bridge

import (
	"github.com/estvita/openbridge/internal/channel"
)

// Routing keys for the task exchange. One queue per task kind.
const (
	RouteInbound  = "bridge.inbound"
	RouteCrmEvent = "bridge.crm_event"
	RouteStatus   = "bridge.status"
)

// InboundTask carries one normalized channel message toward the CRM.
type InboundTask struct {
	SessionID string                 `json:"session_id"`
	Message   channel.InboundMessage `json:"message"`
}

// CRM webhook event names handled by the bridge.
const (
	EventMessageAdd   = "ONIMCONNECTORMESSAGEADD"
	EventLineDelete   = "ONIMCONNECTORLINEDELETE"
	EventStatusDelete = "ONIMCONNECTORSTATUSDELETE"
	EventAppUninstall = "ONAPPUNINSTALL"
)

// CrmFile is an attachment reference inside a CRM operator message.
type CrmFile struct {
	Link string `json:"link"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// CrmMessage is one operator message from an ONIMCONNECTORMESSAGEADD event.
type CrmMessage struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chat_id"`
	UserID   int64     `json:"user_id"`
	Peer     string    `json:"peer,omitempty"`
	Text     string    `json:"text,omitempty"`
	Files    []CrmFile `json:"files,omitempty"`
	QuotedID int64     `json:"quoted_id,omitempty"`
}

// CrmEventTask carries one decoded CRM webhook event.
type CrmEventTask struct {
	InstallationID string       `json:"installation_id"`
	Event          string       `json:"event"`
	Connector      string       `json:"connector,omitempty"`
	CrmLineID      int64        `json:"crm_line_id,omitempty"`
	Messages       []CrmMessage `json:"messages,omitempty"`
}

// StatusTask confirms channel-side delivery back to the CRM, asynchronously.
type StatusTask struct {
	InstallationID   string `json:"installation_id"`
	Connector        string `json:"connector"`
	CrmLineID        int64  `json:"crm_line_id"`
	ChatID           int64  `json:"chat_id,omitempty"`
	MessageID        int64  `json:"message_id,omitempty"`
	ChannelChatID    string `json:"channel_chat_id,omitempty"`
	ChannelMessageID string `json:"channel_message_id,omitempty"`
}
