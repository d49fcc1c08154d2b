// Package bridge moves messages between the channel adapters and the CRM's
// unified inbox. All of its operations run as queue tasks.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/crm"
	"github.com/estvita/openbridge/internal/kvstore"
	"github.com/estvita/openbridge/internal/media"
	"github.com/estvita/openbridge/internal/queue"
	"github.com/estvita/openbridge/internal/store"
)

const (
	defaultEchoTTL       = 10 * time.Minute
	defaultEchoPollTries = 5
	defaultEchoPollDelay = time.Second
)

// Store is the persistence surface the bridge needs.
type Store interface {
	GetSession(ctx context.Context, id string) (store.ChannelSession, error)
	GetSessionByLine(ctx context.Context, lineID, channelType string) (store.ChannelSession, error)
	GetLine(ctx context.Context, id string) (store.Line, error)
	GetLineByCrmID(ctx context.Context, installationID string, crmLineID int64) (store.Line, error)
	GetInstallation(ctx context.Context, id string) (store.AppInstallation, error)
	GetConnector(ctx context.Context, id string) (store.Connector, error)
	GetConnectorByCode(ctx context.Context, code string) (store.Connector, error)
	CreateMessageLink(ctx context.Context, lineID, channelMessageID, crmMessageID string) error
	GetLinkByCrmMessageID(ctx context.Context, lineID, crmMessageID string) (store.MessageLink, error)
	GetLinkByChannelMessageID(ctx context.Context, lineID, channelMessageID string) (store.MessageLink, error)
	DeleteInstallation(ctx context.Context, id string) error
}

// Lifecycle handles the connector teardown events the CRM pushes.
type Lifecycle interface {
	DisconnectLine(ctx context.Context, installationID string, crmLineID int64) error
	DisconnectStatus(ctx context.Context, installationID string, crmLineID int64) error
}

// Deps bundles the bridge collaborators.
type Deps struct {
	Store     Store
	Fast      kvstore.Store
	Crm       crm.Caller
	Channels  *channel.Registry
	Media     *media.Service
	Disk      *media.DiskUploader
	Publisher queue.Publisher
	Lifecycle Lifecycle

	// EchoTTL bounds how long echo and dedup markers live. EchoPollTries and
	// EchoPollDelay shape the loop-suppression poll; total wait stays under
	// Tries x Delay.
	EchoTTL       time.Duration
	EchoPollTries int
	EchoPollDelay time.Duration
}

// Service is the message bridge.
type Service struct {
	logger *slog.Logger
	deps   Deps
	now    func() time.Time
}

// New creates a bridge service.
func New(log *slog.Logger, deps Deps) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deps.EchoTTL <= 0 {
		deps.EchoTTL = defaultEchoTTL
	}
	if deps.EchoPollTries <= 0 {
		deps.EchoPollTries = defaultEchoPollTries
	}
	if deps.EchoPollDelay <= 0 {
		deps.EchoPollDelay = defaultEchoPollDelay
	}
	return &Service{
		logger: log.With(slog.String("component", "bridge")),
		deps:   deps,
		now:    time.Now,
	}
}

// ConsumerSpecs returns the queue consumers the bridge runs on.
func (s *Service) ConsumerSpecs(prefetch int) []queue.ConsumerSpec {
	return []queue.ConsumerSpec{
		{
			Name:       "inbound",
			Queue:      RouteInbound,
			BindingKey: RouteInbound,
			Prefetch:   prefetch,
			Consume:    queue.JSONHandler(s.HandleInbound),
		},
		{
			Name:       "crm_event",
			Queue:      RouteCrmEvent,
			BindingKey: RouteCrmEvent,
			Prefetch:   prefetch,
			Consume:    queue.JSONHandler(s.HandleCrmEvent),
		},
		{
			Name:       "status",
			Queue:      RouteStatus,
			BindingKey: RouteStatus,
			Prefetch:   prefetch,
			Consume:    queue.JSONHandler(s.HandleStatus),
		},
	}
}

// HandleInbound forwards one normalized channel message into the CRM inbox.
func (s *Service) HandleInbound(ctx context.Context, task InboundTask) error {
	msg := task.Message
	if task.SessionID == "" || msg.MessageID == "" || msg.PeerID == "" {
		return fmt.Errorf("%w: inbound task missing session, message id, or peer", queue.ErrPoison)
	}

	// Our own outbound delivery echoed back by the channel.
	if _, hit := s.deps.Fast.Get(kvstore.EchoKey(msg.MessageID)); hit {
		s.deps.Fast.Delete(kvstore.EchoKey(msg.MessageID))
		s.logger.Debug("discarding echoed delivery", slog.String("message_id", msg.MessageID))
		return nil
	}
	// Redelivery of an already-forwarded message. The marker is written only
	// after the CRM accepts the message, so a retried failure is not mistaken
	// for a duplicate.
	if _, ok := s.deps.Fast.Get(kvstore.SeenKey(string(msg.Channel), msg.MessageID)); ok {
		s.logger.Debug("discarding duplicate inbound", slog.String("message_id", msg.MessageID))
		return nil
	}

	session, err := s.deps.Store.GetSession(ctx, task.SessionID)
	if err != nil {
		return poisonIfMissing(err, "session "+task.SessionID)
	}
	if !session.Entitled(s.now()) {
		return fmt.Errorf("%w: session %s entitlement expired", queue.ErrPoison, session.ID)
	}
	if session.LineID == "" {
		return fmt.Errorf("%w: session %s has no line bound", queue.ErrPoison, session.ID)
	}

	line, err := s.deps.Store.GetLine(ctx, session.LineID)
	if err != nil {
		return poisonIfMissing(err, "line "+session.LineID)
	}
	if !line.Active {
		return fmt.Errorf("%w: line %s is inactive", queue.ErrPoison, line.ID)
	}
	installation, err := s.deps.Store.GetInstallation(ctx, line.InstallationID)
	if err != nil {
		return poisonIfMissing(err, "installation "+line.InstallationID)
	}
	connector, err := s.deps.Store.GetConnector(ctx, line.ConnectorID)
	if err != nil {
		return poisonIfMissing(err, "connector "+line.ConnectorID)
	}

	user := map[string]any{"id": msg.PeerID}
	// First message from this peer on this line: the chat the CRM opens for
	// it is created exactly once, so attach the profile name now.
	if s.deps.Fast.SetIfAbsent(kvstore.ChatKey(installation.PortalID, line.ID, msg.PeerID), msg.MessageID, 0) {
		if msg.PeerName != "" {
			user["name"] = msg.PeerName
		}
	}

	files, err := s.relayAttachments(ctx, installation, session, msg)
	if err != nil {
		return err
	}

	message := map[string]any{
		"id":   msg.MessageID,
		"date": msg.ReceivedAt.Unix(),
		"text": msg.Text,
	}
	if len(files) > 0 {
		message["files"] = files
	}
	if msg.QuotedID != "" {
		if link, err := s.deps.Store.GetLinkByChannelMessageID(ctx, line.ID, msg.QuotedID); err == nil {
			message["reply_to_id"] = link.CrmMessageID
		}
	}

	params := map[string]any{
		"CONNECTOR": connector.Code,
		"LINE":      line.CrmLineID,
		"MESSAGES": []map[string]any{{
			"user":    user,
			"message": message,
			"chat":    map[string]any{"id": msg.PeerID},
		}},
	}
	if _, err := s.deps.Crm.Call(ctx, installation, crm.MethodSendMessages, params, crm.CallOptions{Background: true}); err != nil {
		if crm.IsTransient(err) {
			return err
		}
		s.logger.Error("inbound forward failed terminally",
			slog.String("session_id", session.ID),
			slog.String("message_id", msg.MessageID),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	s.deps.Fast.Set(kvstore.SeenKey(string(msg.Channel), msg.MessageID), "1", s.deps.EchoTTL)

	s.publishStatus(ctx, StatusTask{
		InstallationID:   installation.ID,
		Connector:        connector.Code,
		CrmLineID:        line.CrmLineID,
		ChannelChatID:    msg.PeerID,
		ChannelMessageID: msg.MessageID,
	})
	return nil
}

// relayAttachments resolves each attachment's bytes and stages them behind a
// signed temp URL the CRM can fetch. When no public base URL is configured the
// temp link would be unreachable, so the file goes to the CRM disk instead and
// the durable external link is used.
func (s *Service) relayAttachments(ctx context.Context, installation store.AppInstallation, session store.ChannelSession, msg channel.InboundMessage) ([]map[string]any, error) {
	if len(msg.Attachments) == 0 {
		return nil, nil
	}
	endpoint := channel.Endpoint{
		SessionID:  session.ID,
		Type:       channel.Type(session.ChannelType),
		ExternalID: session.ExternalID,
		Secret:     session.Secret,
	}

	var files []map[string]any
	for _, att := range msg.Attachments {
		if !att.HasContent() {
			if att.MediaID == "" {
				return nil, fmt.Errorf("%w: attachment without content or media id", queue.ErrPoison)
			}
			adapter, err := s.deps.Channels.Get(endpoint.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", queue.ErrPoison, err)
			}
			fetcher, ok := adapter.(channel.MediaFetcher)
			if !ok {
				return nil, fmt.Errorf("%w: channel %s cannot fetch media by id", queue.ErrPoison, endpoint.Type)
			}
			fetched, err := fetcher.FetchMedia(ctx, endpoint, att.MediaID)
			if err != nil {
				return nil, fmt.Errorf("fetch attachment %s: %w", att.MediaID, err)
			}
			fetched.Name = firstNonEmpty(att.Name, fetched.Name)
			att = fetched
		}

		var (
			staged media.Staged
			err    error
		)
		if att.Base64 != "" {
			staged, err = s.deps.Media.StageBase64(ctx, att.Base64, att.Name, att.Mime)
		} else {
			staged, err = s.deps.Media.StageURL(ctx, att.URL, att.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("stage attachment: %w", err)
		}
		var url string
		if s.deps.Disk != nil && !s.deps.Media.HasPublicBase() {
			url, err = s.deps.Disk.Upload(ctx, installation, staged)
			if err != nil {
				return nil, fmt.Errorf("upload attachment to disk: %w", err)
			}
		} else {
			url, err = s.deps.Media.SignedURL(staged)
			if err != nil {
				return nil, fmt.Errorf("sign attachment url: %w", err)
			}
		}
		file := map[string]any{"url": url}
		if att.Name != "" {
			file["name"] = att.Name
		}
		files = append(files, file)
	}
	return files, nil
}

// HandleCrmEvent dispatches one decoded CRM webhook event.
func (s *Service) HandleCrmEvent(ctx context.Context, task CrmEventTask) error {
	switch task.Event {
	case EventMessageAdd:
		return s.handleOperatorMessages(ctx, task)
	case EventLineDelete:
		return s.deps.Lifecycle.DisconnectLine(ctx, task.InstallationID, task.CrmLineID)
	case EventStatusDelete:
		return s.deps.Lifecycle.DisconnectStatus(ctx, task.InstallationID, task.CrmLineID)
	case EventAppUninstall:
		return s.handleUninstall(ctx, task)
	default:
		return fmt.Errorf("%w: unknown event %q", queue.ErrPoison, task.Event)
	}
}

func (s *Service) handleOperatorMessages(ctx context.Context, task CrmEventTask) error {
	installation, err := s.deps.Store.GetInstallation(ctx, task.InstallationID)
	if err != nil {
		return poisonIfMissing(err, "installation "+task.InstallationID)
	}
	connector, err := s.deps.Store.GetConnectorByCode(ctx, task.Connector)
	if err != nil {
		return poisonIfMissing(err, "connector "+task.Connector)
	}
	line, err := s.deps.Store.GetLineByCrmID(ctx, installation.ID, task.CrmLineID)
	if err != nil {
		return poisonIfMissing(err, fmt.Sprintf("line %d", task.CrmLineID))
	}
	session, err := s.deps.Store.GetSessionByLine(ctx, line.ID, connector.ChannelType)
	if err != nil {
		return poisonIfMissing(err, "session for line "+line.ID)
	}
	if !session.Entitled(s.now()) {
		return fmt.Errorf("%w: session %s entitlement expired", queue.ErrPoison, session.ID)
	}

	deliverer, err := s.deps.Channels.Deliverer(channel.Type(session.ChannelType))
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	endpoint := channel.Endpoint{
		SessionID:  session.ID,
		Type:       channel.Type(session.ChannelType),
		ExternalID: session.ExternalID,
		Secret:     session.Secret,
	}

	for _, m := range task.Messages {
		crmID := strconv.FormatInt(m.ID, 10)
		// A retried batch re-delivers every message; the ones already linked
		// reached the channel on an earlier attempt.
		if _, err := s.deps.Store.GetLinkByCrmMessageID(ctx, line.ID, crmID); err == nil {
			s.logger.Debug("skipping already delivered message", slog.String("crm_message_id", crmID))
			continue
		}
		if s.isEcho(ctx, crmID) {
			s.logger.Debug("discarding echoed operator message", slog.String("crm_message_id", crmID))
			continue
		}

		out := channel.OutboundMessage{
			PeerID:       firstNonEmpty(m.Peer, session.ExternalID),
			CrmMessageID: crmID,
			Text:         StripMarkup(m.Text),
		}
		for _, f := range m.Files {
			out.Attachments = append(out.Attachments, channel.Attachment{
				Kind: kindForCrmFile(f),
				URL:  f.Link,
				Name: f.Name,
			})
		}
		if m.QuotedID != 0 {
			if link, err := s.deps.Store.GetLinkByCrmMessageID(ctx, line.ID, strconv.FormatInt(m.QuotedID, 10)); err == nil {
				out.QuotedID = link.ChannelMessageID
			}
		}

		res, err := deliverer.Deliver(ctx, endpoint, out)
		if err != nil {
			var provErr *channel.ProviderError
			if errors.As(err, &provErr) {
				s.postDeliveryFailure(ctx, installation, m, provErr)
			}
			return fmt.Errorf("deliver crm message %s: %w", crmID, err)
		}

		// Suppress the channel-side echo of our own delivery and remember the
		// id pair for quote translation.
		s.deps.Fast.Set(kvstore.EchoKey(res.MessageID), crmID, s.deps.EchoTTL)
		if err := s.deps.Store.CreateMessageLink(ctx, line.ID, res.MessageID, crmID); err != nil {
			s.logger.Warn("store message link failed",
				slog.String("crm_message_id", crmID), slog.Any("error", err))
		}
		s.publishStatus(ctx, StatusTask{
			InstallationID:   installation.ID,
			Connector:        connector.Code,
			CrmLineID:        line.CrmLineID,
			ChatID:           m.ChatID,
			MessageID:        m.ID,
			ChannelChatID:    out.PeerID,
			ChannelMessageID: res.MessageID,
		})
	}
	return nil
}

// isEcho polls the echo marker for up to EchoPollTries x EchoPollDelay. The
// marker write races the CRM event, so a miss is retried briefly before the
// message is treated as operator-authored.
func (s *Service) isEcho(ctx context.Context, crmMessageID string) bool {
	key := kvstore.EchoKey("crm:" + crmMessageID)
	for i := 0; i < s.deps.EchoPollTries; i++ {
		if _, ok := s.deps.Fast.Get(key); ok {
			s.deps.Fast.Delete(key)
			return true
		}
		if i == s.deps.EchoPollTries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.deps.EchoPollDelay):
		}
	}
	return false
}

// postDeliveryFailure surfaces a provider-reported failure into the CRM chat
// in attention markup. Best-effort: its own failures are logged and ignored.
func (s *Service) postDeliveryFailure(ctx context.Context, installation store.AppInstallation, m CrmMessage, provErr *channel.ProviderError) {
	text := "[b]Message not delivered[/b][br]" + provErr.Readable()

	var (
		result crm.Result
		err    error
	)
	if m.UserID != 0 {
		result, err = s.deps.Crm.Call(ctx, installation, crm.MethodNotifySystemAdd, map[string]any{
			"USER_ID": m.UserID,
			"MESSAGE": text,
		}, crm.CallOptions{Background: true})
	} else {
		result, err = s.deps.Crm.Call(ctx, installation, crm.MethodMessageAdd, map[string]any{
			"DIALOG_ID": fmt.Sprintf("chat%d", m.ChatID),
			"MESSAGE":   text,
			"SYSTEM":    "Y",
		}, crm.CallOptions{Background: true})
	}
	if err != nil {
		s.logger.Warn("post delivery failure notice failed",
			slog.Int64("crm_message_id", m.ID), slog.Any("error", err))
		return
	}
	// The posted notice comes back as a connector event of its own.
	if postedID := result.Int("result"); postedID != 0 {
		s.deps.Fast.Set(kvstore.EchoKey("crm:"+strconv.FormatInt(postedID, 10)), "1", s.deps.EchoTTL)
	}
}

func (s *Service) handleUninstall(ctx context.Context, task CrmEventTask) error {
	if err := s.deps.Store.DeleteInstallation(ctx, task.InstallationID); err != nil {
		return poisonIfMissing(err, "installation "+task.InstallationID)
	}
	s.logger.Info("installation removed", slog.String("installation_id", task.InstallationID))
	return nil
}

// HandleStatus confirms delivery back to the CRM. Best-effort: failures are
// logged, never retried.
func (s *Service) HandleStatus(ctx context.Context, task StatusTask) error {
	installation, err := s.deps.Store.GetInstallation(ctx, task.InstallationID)
	if err != nil {
		return poisonIfMissing(err, "installation "+task.InstallationID)
	}

	im := map[string]any{}
	if task.ChatID != 0 {
		im["chat_id"] = task.ChatID
	}
	if task.MessageID != 0 {
		im["message_id"] = task.MessageID
	}
	params := map[string]any{
		"CONNECTOR": task.Connector,
		"LINE":      task.CrmLineID,
		"MESSAGES": []map[string]any{{
			"im":      im,
			"message": map[string]any{"id": []string{task.ChannelMessageID}},
			"chat":    map[string]any{"id": task.ChannelChatID},
		}},
	}
	if _, err := s.deps.Crm.Call(ctx, installation, crm.MethodStatusDelivery, params, crm.CallOptions{Background: true}); err != nil {
		s.logger.Warn("status delivery failed",
			slog.String("channel_message_id", task.ChannelMessageID), slog.Any("error", err))
	}
	return nil
}

func (s *Service) publishStatus(ctx context.Context, task StatusTask) {
	if s.deps.Publisher == nil {
		return
	}
	if err := s.deps.Publisher.Publish(ctx, RouteStatus, task); err != nil {
		s.logger.Warn("publish status task failed",
			slog.String("channel_message_id", task.ChannelMessageID), slog.Any("error", err))
	}
}

func poisonIfMissing(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s not found", queue.ErrPoison, what)
	}
	return err
}

func kindForCrmFile(f CrmFile) channel.AttachmentKind {
	switch f.Type {
	case "image":
		return channel.AttachmentImage
	case "video":
		return channel.AttachmentVideo
	case "audio":
		return channel.AttachmentAudio
	}
	return channel.AttachmentDocument
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
