package market

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/kvstore"
)

const pollTimeout = 2 * time.Minute

// EndpointSource lists the marketplace accounts to poll.
type EndpointSource interface {
	Endpoints(ctx context.Context) ([]channel.Endpoint, error)
}

// Sink receives the new inbound messages discovered by a poll.
type Sink func(ctx context.Context, msg channel.InboundMessage) error

// Poller drives the marketplace adapter on a cron schedule.
type Poller struct {
	logger  *slog.Logger
	adapter *Adapter
	source  EndpointSource
	cursors kvstore.Store
	sink    Sink
	cron    *cron.Cron
}

// NewPoller wires a Poller. The sink is invoked once per new message; sink
// failures leave the cursor untouched so the message is retried next cycle.
func NewPoller(log *slog.Logger, adapter *Adapter, source EndpointSource, cursors kvstore.Store, sink Sink) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		logger:  log.With(slog.String("component", "market_poller")),
		adapter: adapter,
		source:  source,
		cursors: cursors,
		sink:    sink,
		cron:    cron.New(),
	}
}

// Start schedules polling with the given cron spec and begins running.
func (p *Poller) Start(spec string) error {
	if _, err := p.cron.AddFunc(spec, p.runCycle); err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("poller started", slog.String("spec", spec))
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) runCycle() {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	p.PollOnce(ctx)
}

// PollOnce walks every account's unread threads and forwards messages newer
// than the stored cursor.
func (p *Poller) PollOnce(ctx context.Context) {
	endpoints, err := p.source.Endpoints(ctx)
	if err != nil {
		p.logger.Error("list accounts failed", slog.Any("error", err))
		return
	}
	for _, endpoint := range endpoints {
		if err := p.pollAccount(ctx, endpoint); err != nil {
			p.logger.Error("poll account failed",
				slog.String("account", endpoint.ExternalID), slog.Any("error", err))
		}
	}
}

func (p *Poller) pollAccount(ctx context.Context, endpoint channel.Endpoint) error {
	threads, err := p.adapter.UnreadThreads(ctx, endpoint)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		cursor := p.cursor(endpoint.SessionID, thread.ID)
		msgs, maxID, err := p.adapter.MessagesSince(ctx, endpoint, thread, cursor)
		if err != nil {
			p.logger.Error("poll thread failed",
				slog.String("thread", thread.ID), slog.Any("error", err))
			continue
		}
		delivered := true
		for _, msg := range msgs {
			if err := p.sink(ctx, msg); err != nil {
				p.logger.Error("forward message failed",
					slog.String("thread", thread.ID),
					slog.String("message_id", msg.MessageID),
					slog.Any("error", err))
				delivered = false
				break
			}
		}
		if delivered && maxID > cursor {
			p.cursors.Set(kvstore.CursorKey(endpoint.SessionID, thread.ID), strconv.FormatInt(maxID, 10), 0)
		}
	}
	return nil
}

func (p *Poller) cursor(sessionID, threadID string) int64 {
	raw, ok := p.cursors.Get(kvstore.CursorKey(sessionID, threadID))
	if !ok {
		return 0
	}
	id, _ := strconv.ParseInt(raw, 10, 64)
	return id
}
