// Package store persists the gateway entities: portals, app installations,
// credentials, connectors, lines, channel sessions, and message links.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal database surface the store needs. Satisfied by
// *pgxpool.Pool and by pgx.Tx, and easy to fake in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Portal is one CRM tenant. The domain is mutable: the CRM can renumber it,
// and the gateway must persist the observed change before the next call.
type Portal struct {
	ID             string
	Protocol       string
	Domain         string
	LicenseExpired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AppInstallation is one installed integration app on one portal. AppToken is
// the immutable identity key for inbound CRM webhooks; LastStatus records the
// most recent HTTP status observed by the CRM gateway, for diagnostics only.
type AppInstallation struct {
	ID         string
	PortalID   string
	AppToken   string
	LastStatus int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential is an access/refresh token pair bound to one CRM-side user of
// one installation. Several credentials may exist per installation.
type Credential struct {
	ID             string
	InstallationID string
	CrmUserID      int64
	IsAdmin        bool
	Active         bool
	AccessToken    string
	RefreshToken   string
	RefreshDate    time.Time
	CreatedAt      time.Time
}

// Connector is a channel type descriptor shared across tenants.
type Connector struct {
	ID          string
	Code        string
	Name        string
	Icon        string
	ChannelType string
}

// Line binds one connector instance to one installation: the CRM-side inbox
// the channel's messages land in.
type Line struct {
	ID             string
	ConnectorID    string
	InstallationID string
	CrmLineID      int64
	Active         bool
	CreatedAt      time.Time
}

// ChannelSession is a channel-specific endpoint (a phone number, a
// marketplace account, a gateway instance), optionally bound to a line.
// DateEnd carries the entitlement expiry checked before every send/receive.
type ChannelSession struct {
	ID          string
	ChannelType string
	ExternalID  string
	LineID      string // empty when unbound
	Secret      string
	DateEnd     *time.Time
	Settings    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entitled reports whether the session may still send and receive at now.
// A session without a DateEnd never expires.
func (s ChannelSession) Entitled(now time.Time) bool {
	return s.DateEnd == nil || s.DateEnd.After(now)
}

// MessageLink maps a channel-side message id to the CRM message id it became,
// per line. Used to translate quoted-message references in both directions.
type MessageLink struct {
	ID               string
	LineID           string
	ChannelMessageID string
	CrmMessageID     string
	CreatedAt        time.Time
}
