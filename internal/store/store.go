package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/estvita/openbridge/internal/db"
)

// ErrNotFound is returned when the requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store runs the entity queries against a DBTX.
type Store struct {
	conn DBTX
}

// New creates a Store on top of the given connection.
func New(conn DBTX) *Store {
	return &Store{conn: conn}
}

func wrapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- portals ---

const portalColumns = `id, protocol, domain, license_expired, created_at, updated_at`

func scanPortal(row pgx.Row) (Portal, error) {
	var (
		p        Portal
		id       pgtype.UUID
		created  pgtype.Timestamptz
		updated  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &p.Protocol, &p.Domain, &p.LicenseExpired, &created, &updated); err != nil {
		return Portal{}, err
	}
	p.ID = db.UUIDString(id)
	p.CreatedAt = created.Time
	p.UpdatedAt = updated.Time
	return p, nil
}

// GetPortal loads one portal by id.
func (s *Store) GetPortal(ctx context.Context, id string) (Portal, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Portal{}, err
	}
	p, err := scanPortal(s.conn.QueryRow(ctx,
		`SELECT `+portalColumns+` FROM portals WHERE id = $1`, pgID))
	if err != nil {
		return Portal{}, wrapErr("get portal", err)
	}
	return p, nil
}

// UpdatePortalDomain persists a renumbered portal domain.
func (s *Store) UpdatePortalDomain(ctx context.Context, id, domain string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE portals SET domain = $2, updated_at = now() WHERE id = $1`, pgID, domain)
	if err != nil {
		return wrapErr("update portal domain", err)
	}
	return nil
}

// SetPortalLicenseExpired toggles the license-expired flag.
func (s *Store) SetPortalLicenseExpired(ctx context.Context, id string, expired bool) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE portals SET license_expired = $2, updated_at = now() WHERE id = $1`, pgID, expired)
	if err != nil {
		return wrapErr("set portal license", err)
	}
	return nil
}

// --- app installations ---

const installationColumns = `id, portal_id, app_token, last_status, created_at, updated_at`

func scanInstallation(row pgx.Row) (AppInstallation, error) {
	var (
		a        AppInstallation
		id       pgtype.UUID
		portalID pgtype.UUID
		created  pgtype.Timestamptz
		updated  pgtype.Timestamptz
	)
	if err := row.Scan(&id, &portalID, &a.AppToken, &a.LastStatus, &created, &updated); err != nil {
		return AppInstallation{}, err
	}
	a.ID = db.UUIDString(id)
	a.PortalID = db.UUIDString(portalID)
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	return a, nil
}

// GetInstallation loads one installation by id.
func (s *Store) GetInstallation(ctx context.Context, id string) (AppInstallation, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return AppInstallation{}, err
	}
	a, err := scanInstallation(s.conn.QueryRow(ctx,
		`SELECT `+installationColumns+` FROM app_installations WHERE id = $1`, pgID))
	if err != nil {
		return AppInstallation{}, wrapErr("get installation", err)
	}
	return a, nil
}

// GetInstallationByToken resolves an installation from the application token
// carried by an inbound CRM webhook.
func (s *Store) GetInstallationByToken(ctx context.Context, token string) (AppInstallation, error) {
	a, err := scanInstallation(s.conn.QueryRow(ctx,
		`SELECT `+installationColumns+` FROM app_installations WHERE app_token = $1`, token))
	if err != nil {
		return AppInstallation{}, wrapErr("get installation by token", err)
	}
	return a, nil
}

// SetInstallationLastStatus records the most recent observed HTTP status.
func (s *Store) SetInstallationLastStatus(ctx context.Context, id string, status int) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE app_installations SET last_status = $2, updated_at = now() WHERE id = $1`, pgID, status)
	if err != nil {
		return wrapErr("set installation status", err)
	}
	return nil
}

// DeleteInstallation removes an installation; credentials and lines cascade.
func (s *Store) DeleteInstallation(ctx context.Context, id string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `DELETE FROM app_installations WHERE id = $1`, pgID)
	if err != nil {
		return wrapErr("delete installation", err)
	}
	return nil
}

// --- credentials ---

const credentialColumns = `id, installation_id, crm_user_id, is_admin, active, access_token, refresh_token, refresh_date, created_at`

func scanCredential(row pgx.Row) (Credential, error) {
	var (
		c       Credential
		id      pgtype.UUID
		instID  pgtype.UUID
		refresh pgtype.Timestamptz
		created pgtype.Timestamptz
	)
	if err := row.Scan(&id, &instID, &c.CrmUserID, &c.IsAdmin, &c.Active,
		&c.AccessToken, &c.RefreshToken, &refresh, &created); err != nil {
		return Credential{}, err
	}
	c.ID = db.UUIDString(id)
	c.InstallationID = db.UUIDString(instID)
	c.RefreshDate = refresh.Time
	c.CreatedAt = created.Time
	return c, nil
}

// ListActiveCredentials returns the active credentials of an installation in
// stored order, optionally restricted to admin users.
func (s *Store) ListActiveCredentials(ctx context.Context, installationID string, adminOnly bool) ([]Credential, error) {
	pgID, err := db.ParseUUID(installationID)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + credentialColumns + ` FROM credentials
		WHERE installation_id = $1 AND active`
	if adminOnly {
		query += ` AND is_admin`
	}
	query += ` ORDER BY created_at`
	rows, err := s.conn.Query(ctx, query, pgID)
	if err != nil {
		return nil, wrapErr("list credentials", err)
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, wrapErr("list credentials", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCredentialByUser returns the credential of one specific CRM user.
func (s *Store) GetCredentialByUser(ctx context.Context, installationID string, crmUserID int64) (Credential, error) {
	pgID, err := db.ParseUUID(installationID)
	if err != nil {
		return Credential{}, err
	}
	c, err := scanCredential(s.conn.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE installation_id = $1 AND crm_user_id = $2`, pgID, crmUserID))
	if err != nil {
		return Credential{}, wrapErr("get credential", err)
	}
	return c, nil
}

// UpdateCredentialTokens atomically overwrites the token pair after a refresh.
func (s *Store) UpdateCredentialTokens(ctx context.Context, id, accessToken, refreshToken string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE credentials SET access_token = $2, refresh_token = $3, refresh_date = now()
		 WHERE id = $1`, pgID, accessToken, refreshToken)
	if err != nil {
		return wrapErr("update credential tokens", err)
	}
	return nil
}

// DeactivateCredential marks a credential's user inactive so later calls skip it.
func (s *Store) DeactivateCredential(ctx context.Context, id string) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `UPDATE credentials SET active = false WHERE id = $1`, pgID)
	if err != nil {
		return wrapErr("deactivate credential", err)
	}
	return nil
}

// --- connectors ---

// GetConnectorByCode loads a connector descriptor by its stable external code.
func (s *Store) GetConnectorByCode(ctx context.Context, code string) (Connector, error) {
	var (
		c  Connector
		id pgtype.UUID
	)
	err := s.conn.QueryRow(ctx,
		`SELECT id, code, name, icon, channel_type FROM connectors WHERE code = $1`, code).
		Scan(&id, &c.Code, &c.Name, &c.Icon, &c.ChannelType)
	if err != nil {
		return Connector{}, wrapErr("get connector", err)
	}
	c.ID = db.UUIDString(id)
	return c, nil
}

// GetConnector loads a connector descriptor by id.
func (s *Store) GetConnector(ctx context.Context, id string) (Connector, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Connector{}, err
	}
	var c Connector
	err = s.conn.QueryRow(ctx,
		`SELECT code, name, icon, channel_type FROM connectors WHERE id = $1`, pgID).
		Scan(&c.Code, &c.Name, &c.Icon, &c.ChannelType)
	if err != nil {
		return Connector{}, wrapErr("get connector", err)
	}
	c.ID = id
	return c, nil
}

// UpsertConnector registers or updates a connector descriptor.
func (s *Store) UpsertConnector(ctx context.Context, c Connector) (Connector, error) {
	var id pgtype.UUID
	err := s.conn.QueryRow(ctx,
		`INSERT INTO connectors (code, name, icon, channel_type)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (code) DO UPDATE SET name = $2, icon = $3, channel_type = $4
		 RETURNING id`, c.Code, c.Name, c.Icon, c.ChannelType).Scan(&id)
	if err != nil {
		return Connector{}, wrapErr("upsert connector", err)
	}
	c.ID = db.UUIDString(id)
	return c, nil
}

// --- lines ---

const lineColumns = `id, connector_id, installation_id, crm_line_id, active, created_at`

func scanLine(row pgx.Row) (Line, error) {
	var (
		l       Line
		id      pgtype.UUID
		connID  pgtype.UUID
		instID  pgtype.UUID
		created pgtype.Timestamptz
	)
	if err := row.Scan(&id, &connID, &instID, &l.CrmLineID, &l.Active, &created); err != nil {
		return Line{}, err
	}
	l.ID = db.UUIDString(id)
	l.ConnectorID = db.UUIDString(connID)
	l.InstallationID = db.UUIDString(instID)
	l.CreatedAt = created.Time
	return l, nil
}

// CreateLine persists a line returned by the CRM.
func (s *Store) CreateLine(ctx context.Context, l Line) (Line, error) {
	connID, err := db.ParseUUID(l.ConnectorID)
	if err != nil {
		return Line{}, err
	}
	instID, err := db.ParseUUID(l.InstallationID)
	if err != nil {
		return Line{}, err
	}
	row := s.conn.QueryRow(ctx,
		`INSERT INTO lines (connector_id, installation_id, crm_line_id, active)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+lineColumns, connID, instID, l.CrmLineID, l.Active)
	created, err := scanLine(row)
	if err != nil {
		return Line{}, wrapErr("create line", err)
	}
	return created, nil
}

// GetLine loads one line by id.
func (s *Store) GetLine(ctx context.Context, id string) (Line, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return Line{}, err
	}
	l, err := scanLine(s.conn.QueryRow(ctx,
		`SELECT `+lineColumns+` FROM lines WHERE id = $1`, pgID))
	if err != nil {
		return Line{}, wrapErr("get line", err)
	}
	return l, nil
}

// GetLineByCrmID resolves a line from the CRM-side line id of an installation.
func (s *Store) GetLineByCrmID(ctx context.Context, installationID string, crmLineID int64) (Line, error) {
	instID, err := db.ParseUUID(installationID)
	if err != nil {
		return Line{}, err
	}
	l, err := scanLine(s.conn.QueryRow(ctx,
		`SELECT `+lineColumns+` FROM lines
		 WHERE installation_id = $1 AND crm_line_id = $2`, instID, crmLineID))
	if err != nil {
		return Line{}, wrapErr("get line by crm id", err)
	}
	return l, nil
}

// SetLineActive toggles a line's active flag.
func (s *Store) SetLineActive(ctx context.Context, id string, active bool) error {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `UPDATE lines SET active = $2 WHERE id = $1`, pgID, active)
	if err != nil {
		return wrapErr("set line active", err)
	}
	return nil
}

// DeleteLineByCrmID removes a line after the CRM reports it deleted.
func (s *Store) DeleteLineByCrmID(ctx context.Context, installationID string, crmLineID int64) error {
	instID, err := db.ParseUUID(installationID)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`DELETE FROM lines WHERE installation_id = $1 AND crm_line_id = $2`, instID, crmLineID)
	if err != nil {
		return wrapErr("delete line", err)
	}
	return nil
}

// --- channel sessions ---

const sessionColumns = `id, channel_type, external_id, line_id, secret, date_end, settings, created_at, updated_at`

func scanSession(row pgx.Row) (ChannelSession, error) {
	var (
		cs      ChannelSession
		id      pgtype.UUID
		lineID  pgtype.UUID
		dateEnd pgtype.Timestamptz
		created pgtype.Timestamptz
		updated pgtype.Timestamptz
	)
	if err := row.Scan(&id, &cs.ChannelType, &cs.ExternalID, &lineID, &cs.Secret,
		&dateEnd, &cs.Settings, &created, &updated); err != nil {
		return ChannelSession{}, err
	}
	cs.ID = db.UUIDString(id)
	cs.LineID = db.UUIDString(lineID)
	if dateEnd.Valid {
		t := dateEnd.Time
		cs.DateEnd = &t
	}
	cs.CreatedAt = created.Time
	cs.UpdatedAt = updated.Time
	return cs, nil
}

// GetSession loads one channel session by id.
func (s *Store) GetSession(ctx context.Context, id string) (ChannelSession, error) {
	pgID, err := db.ParseUUID(id)
	if err != nil {
		return ChannelSession{}, err
	}
	cs, err := scanSession(s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions WHERE id = $1`, pgID))
	if err != nil {
		return ChannelSession{}, wrapErr("get session", err)
	}
	return cs, nil
}

// GetSessionByExternalID resolves the session for a channel endpoint.
func (s *Store) GetSessionByExternalID(ctx context.Context, channelType, externalID string) (ChannelSession, error) {
	cs, err := scanSession(s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions
		 WHERE channel_type = $1 AND external_id = $2`, channelType, externalID))
	if err != nil {
		return ChannelSession{}, wrapErr("get session by external id", err)
	}
	return cs, nil
}

// GetSessionByLine resolves the session of one channel type bound to a line.
func (s *Store) GetSessionByLine(ctx context.Context, lineID, channelType string) (ChannelSession, error) {
	pgLine, err := db.ParseUUID(lineID)
	if err != nil {
		return ChannelSession{}, err
	}
	cs, err := scanSession(s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions
		 WHERE line_id = $1 AND channel_type = $2`, pgLine, channelType))
	if err != nil {
		return ChannelSession{}, wrapErr("get session by line", err)
	}
	return cs, nil
}

// ListSessionsByType returns every session of a channel type.
func (s *Store) ListSessionsByType(ctx context.Context, channelType string) ([]ChannelSession, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT `+sessionColumns+` FROM channel_sessions WHERE channel_type = $1
		 ORDER BY created_at`, channelType)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()
	var out []ChannelSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr("list sessions", err)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// BindSessionLine points a session at a line; an empty lineID clears the
// reference without touching the line itself.
func (s *Store) BindSessionLine(ctx context.Context, sessionID, lineID string) error {
	pgSession, err := db.ParseUUID(sessionID)
	if err != nil {
		return err
	}
	var pgLine pgtype.UUID
	if lineID != "" {
		pgLine, err = db.ParseUUID(lineID)
		if err != nil {
			return err
		}
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE channel_sessions SET line_id = $2, updated_at = now() WHERE id = $1`,
		pgSession, pgLine)
	if err != nil {
		return wrapErr("bind session line", err)
	}
	return nil
}

// ClearSessionLineByLine nulls the line reference on the sessions bound to
// the given line. A non-empty channelType narrows it to that channel only.
func (s *Store) ClearSessionLineByLine(ctx context.Context, lineID, channelType string) error {
	pgLine, err := db.ParseUUID(lineID)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`UPDATE channel_sessions SET line_id = NULL, updated_at = now()
		 WHERE line_id = $1 AND ($2 = '' OR channel_type = $2)`, pgLine, channelType)
	if err != nil {
		return wrapErr("clear session line", err)
	}
	return nil
}

// --- message links ---

// CreateMessageLink records a channel-message-id to CRM-message-id mapping.
// Duplicate channel ids on the same line are ignored (at-least-once delivery).
func (s *Store) CreateMessageLink(ctx context.Context, lineID, channelMessageID, crmMessageID string) error {
	pgLine, err := db.ParseUUID(lineID)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx,
		`INSERT INTO message_links (line_id, channel_message_id, crm_message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (line_id, channel_message_id) DO NOTHING`,
		pgLine, channelMessageID, crmMessageID)
	if err != nil {
		return wrapErr("create message link", err)
	}
	return nil
}

func scanLink(row pgx.Row) (MessageLink, error) {
	var (
		l       MessageLink
		id      pgtype.UUID
		lineID  pgtype.UUID
		created pgtype.Timestamptz
	)
	if err := row.Scan(&id, &lineID, &l.ChannelMessageID, &l.CrmMessageID, &created); err != nil {
		return MessageLink{}, err
	}
	l.ID = db.UUIDString(id)
	l.LineID = db.UUIDString(lineID)
	l.CreatedAt = created.Time
	return l, nil
}

// GetLinkByCrmMessageID resolves the channel message a CRM message quotes.
func (s *Store) GetLinkByCrmMessageID(ctx context.Context, lineID, crmMessageID string) (MessageLink, error) {
	pgLine, err := db.ParseUUID(lineID)
	if err != nil {
		return MessageLink{}, err
	}
	l, err := scanLink(s.conn.QueryRow(ctx,
		`SELECT id, line_id, channel_message_id, crm_message_id, created_at
		 FROM message_links WHERE line_id = $1 AND crm_message_id = $2`,
		pgLine, crmMessageID))
	if err != nil {
		return MessageLink{}, wrapErr("get link by crm id", err)
	}
	return l, nil
}

// GetLinkByChannelMessageID resolves the CRM message a channel message became.
func (s *Store) GetLinkByChannelMessageID(ctx context.Context, lineID, channelMessageID string) (MessageLink, error) {
	pgLine, err := db.ParseUUID(lineID)
	if err != nil {
		return MessageLink{}, err
	}
	l, err := scanLink(s.conn.QueryRow(ctx,
		`SELECT id, line_id, channel_message_id, crm_message_id, created_at
		 FROM message_links WHERE line_id = $1 AND channel_message_id = $2`,
		pgLine, channelMessageID))
	if err != nil {
		return MessageLink{}, wrapErr("get link by channel id", err)
	}
	return l, nil
}
