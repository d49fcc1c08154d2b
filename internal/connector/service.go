// Package connector manages the CRM-side connector lines and their bindings
// to channel sessions.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/estvita/openbridge/internal/crm"
	"github.com/estvita/openbridge/internal/store"
)

// Store is the persistence surface the lifecycle manager needs.
type Store interface {
	GetInstallation(ctx context.Context, id string) (store.AppInstallation, error)
	GetConnector(ctx context.Context, id string) (store.Connector, error)
	GetConnectorByCode(ctx context.Context, code string) (store.Connector, error)
	CreateLine(ctx context.Context, l store.Line) (store.Line, error)
	GetLine(ctx context.Context, id string) (store.Line, error)
	GetLineByCrmID(ctx context.Context, installationID string, crmLineID int64) (store.Line, error)
	SetLineActive(ctx context.Context, id string, active bool) error
	DeleteLineByCrmID(ctx context.Context, installationID string, crmLineID int64) error
	GetSession(ctx context.Context, id string) (store.ChannelSession, error)
	BindSessionLine(ctx context.Context, sessionID, lineID string) error
	ClearSessionLineByLine(ctx context.Context, lineID, channelType string) error
}

// PartialConnectError reports a connect that persisted a new line but failed
// to activate the binding. The caller retries with the created line instead
// of creating a duplicate.
type PartialConnectError struct {
	LineID string
	Err    error
}

func (e *PartialConnectError) Error() string {
	return fmt.Sprintf("line %s created but activation failed: %v", e.LineID, e.Err)
}

func (e *PartialConnectError) Unwrap() error { return e.Err }

// Target names where a session should be connected: either an existing line
// or a new one created under the installation.
type Target struct {
	// LineID connects to an existing line when set.
	LineID string
	// InstallationID creates a new CRM line under this installation when
	// LineID is empty.
	InstallationID string
	// LineName names the new CRM open line.
	LineName string
}

// Service is the connector lifecycle manager.
type Service struct {
	logger *slog.Logger
	store  Store
	crm    crm.Caller
}

// New creates a lifecycle service. Chat correlation entries key on the line
// id, so rebinding a session to another line invalidates them implicitly.
func New(log *slog.Logger, st Store, caller crm.Caller) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		logger: log.With(slog.String("component", "connector")),
		store:  st,
		crm:    caller,
	}
}

// Connect binds a channel session to a CRM line, creating the line first
// when the target asks for one.
func (s *Service) Connect(ctx context.Context, sessionID string, target Target) (store.Line, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return store.Line{}, err
	}
	if !session.Entitled(time.Now()) {
		return store.Line{}, fmt.Errorf("session %s entitlement expired", sessionID)
	}

	if target.LineID != "" {
		return s.connectExisting(ctx, session, target.LineID)
	}
	return s.connectNew(ctx, session, target)
}

func (s *Service) connectNew(ctx context.Context, session store.ChannelSession, target Target) (store.Line, error) {
	installation, err := s.store.GetInstallation(ctx, target.InstallationID)
	if err != nil {
		return store.Line{}, err
	}
	connector, err := s.store.GetConnectorByCode(ctx, connectorCodeFor(session.ChannelType))
	if err != nil {
		return store.Line{}, err
	}

	// The session may already sit on a line from an earlier connect.
	if session.LineID != "" {
		if err := s.deactivateBinding(ctx, installation, connector, session.LineID); err != nil {
			s.logger.Warn("deactivate previous line failed",
				slog.String("line_id", session.LineID), slog.Any("error", err))
		}
	}

	name := target.LineName
	if name == "" {
		name = connector.Name
	}
	created, err := s.crm.Call(ctx, installation, crm.MethodOpenLinesAdd, map[string]any{
		"PARAMS": map[string]any{"LINE_NAME": name},
	}, crm.CallOptions{AdminOnly: true})
	if err != nil {
		return store.Line{}, fmt.Errorf("create crm line: %w", err)
	}
	crmLineID := created.Int("result")
	if crmLineID == 0 {
		return store.Line{}, errors.New("create crm line: no line id in response")
	}

	line, err := s.store.CreateLine(ctx, store.Line{
		ConnectorID:    connector.ID,
		InstallationID: installation.ID,
		CrmLineID:      crmLineID,
		Active:         true,
	})
	if err != nil {
		return store.Line{}, fmt.Errorf("persist line: %w", err)
	}

	if err := s.activateBinding(ctx, installation, connector, session, line); err != nil {
		return line, &PartialConnectError{LineID: line.ID, Err: err}
	}
	return line, nil
}

func (s *Service) connectExisting(ctx context.Context, session store.ChannelSession, lineID string) (store.Line, error) {
	line, err := s.store.GetLine(ctx, lineID)
	if err != nil {
		return store.Line{}, err
	}
	installation, err := s.store.GetInstallation(ctx, line.InstallationID)
	if err != nil {
		return store.Line{}, err
	}
	connector, err := s.store.GetConnector(ctx, line.ConnectorID)
	if err != nil {
		return store.Line{}, err
	}

	if session.LineID != "" && session.LineID != line.ID {
		if err := s.deactivateBinding(ctx, installation, connector, session.LineID); err != nil {
			s.logger.Warn("deactivate previous line failed",
				slog.String("line_id", session.LineID), slog.Any("error", err))
		}
	}

	if err := s.activateBinding(ctx, installation, connector, session, line); err != nil {
		return line, err
	}
	return line, nil
}

func (s *Service) activateBinding(ctx context.Context, installation store.AppInstallation, connector store.Connector, session store.ChannelSession, line store.Line) error {
	_, err := s.crm.Call(ctx, installation, crm.MethodActivate, map[string]any{
		"CONNECTOR": connector.Code,
		"LINE":      line.CrmLineID,
		"ACTIVE":    1,
	}, crm.CallOptions{AdminOnly: true})
	if err != nil {
		return fmt.Errorf("activate connector: %w", err)
	}
	if err := s.store.SetLineActive(ctx, line.ID, true); err != nil {
		return err
	}
	if err := s.store.BindSessionLine(ctx, session.ID, line.ID); err != nil {
		return err
	}
	s.logger.Info("session connected",
		slog.String("session_id", session.ID),
		slog.String("line_id", line.ID),
		slog.Int64("crm_line_id", line.CrmLineID))
	return nil
}

func (s *Service) deactivateBinding(ctx context.Context, installation store.AppInstallation, connector store.Connector, lineID string) error {
	line, err := s.store.GetLine(ctx, lineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.crm.Call(ctx, installation, crm.MethodActivate, map[string]any{
		"CONNECTOR": connector.Code,
		"LINE":      line.CrmLineID,
		"ACTIVE":    0,
	}, crm.CallOptions{AdminOnly: true}); err != nil {
		return err
	}
	return s.store.SetLineActive(ctx, line.ID, false)
}

// DisconnectLine handles the CRM "line deleted" event: the line entity goes
// away and every session bound to it is unbound.
func (s *Service) DisconnectLine(ctx context.Context, installationID string, crmLineID int64) error {
	line, err := s.store.GetLineByCrmID(ctx, installationID, crmLineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.ClearSessionLineByLine(ctx, line.ID, ""); err != nil {
		return err
	}
	if err := s.store.DeleteLineByCrmID(ctx, installationID, crmLineID); err != nil {
		return err
	}
	s.logger.Info("line removed",
		slog.String("line_id", line.ID), slog.Int64("crm_line_id", crmLineID))
	return nil
}

// DisconnectStatus handles the CRM "connector status deleted" event for one
// channel type: only that channel's session loses its line reference; the
// line itself stays, other channel types may still use it.
func (s *Service) DisconnectStatus(ctx context.Context, installationID string, crmLineID int64) error {
	line, err := s.store.GetLineByCrmID(ctx, installationID, crmLineID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	connector, err := s.store.GetConnector(ctx, line.ConnectorID)
	if err != nil {
		return err
	}
	if err := s.store.ClearSessionLineByLine(ctx, line.ID, connector.ChannelType); err != nil {
		return err
	}
	s.logger.Info("connector status removed",
		slog.String("line_id", line.ID), slog.String("channel_type", connector.ChannelType))
	return nil
}

func connectorCodeFor(channelType string) string {
	return "openbridge_" + channelType
}
