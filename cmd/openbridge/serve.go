package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/estvita/openbridge/internal/bridge"
	"github.com/estvita/openbridge/internal/channel"
	"github.com/estvita/openbridge/internal/channel/adapters/cloudmsg"
	"github.com/estvita/openbridge/internal/channel/adapters/hostedgw"
	"github.com/estvita/openbridge/internal/channel/adapters/market"
	"github.com/estvita/openbridge/internal/config"
	"github.com/estvita/openbridge/internal/connector"
	"github.com/estvita/openbridge/internal/crm"
	"github.com/estvita/openbridge/internal/db"
	"github.com/estvita/openbridge/internal/handlers"
	"github.com/estvita/openbridge/internal/kvstore"
	"github.com/estvita/openbridge/internal/logger"
	"github.com/estvita/openbridge/internal/media"
	"github.com/estvita/openbridge/internal/queue"
	"github.com/estvita/openbridge/internal/server"
	"github.com/estvita/openbridge/internal/store"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStore,
			provideFastStore,
			provideQueueClient,
			provideQueuePublisher,
			provideCrmGateway,
			provideCloudMsgAdapter,
			provideHostedGwAdapter,
			provideMarketAdapter,
			provideChannelRegistry,
			provideMediaService,
			provideDiskUploader,
			provideConnectorService,
			provideBridgeService,
			provideMarketPoller,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideCrmWebhookHandler),
			provideServerHandler(provideCloudMsgWebhookHandler),
			provideServerHandler(provideHostedGwWebhookHandler),
			provideServerHandler(provideFilesHandler),
			provideServer,
		),
		fx.Invoke(
			seedConnectors,
			startConsumers,
			startPoller,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideStore(conn *pgxpool.Pool) *store.Store { return store.New(conn) }

func provideFastStore() kvstore.Store { return kvstore.NewMemoryStore() }

func provideQueueClient(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*queue.Client, error) {
	client, err := queue.Dial(cfg.Amqp, log)
	if err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client, nil
}

func provideQueuePublisher(client *queue.Client) queue.Publisher { return client }

func provideCrmGateway(log *slog.Logger, st *store.Store, cfg config.Config) crm.Caller {
	return crm.New(log, st, cfg.Crm)
}

func provideCloudMsgAdapter(log *slog.Logger, cfg config.Config) *cloudmsg.Adapter {
	return cloudmsg.New(log, cfg.CloudMsg.APIBase)
}

func provideHostedGwAdapter(log *slog.Logger, cfg config.Config) *hostedgw.Adapter {
	return hostedgw.New(log, cfg.HostedGw.BaseURL, cfg.HostedGw.APIKey)
}

func provideMarketAdapter(log *slog.Logger, cfg config.Config) *market.Adapter {
	return market.New(log, cfg.Market.APIBase, cfg.Market.TokenURL,
		cfg.Market.ClientID, cfg.Market.ClientSecret)
}

func provideChannelRegistry(cm *cloudmsg.Adapter, gw *hostedgw.Adapter, mk *market.Adapter) *channel.Registry {
	registry := channel.NewRegistry()
	registry.Register(cm)
	registry.Register(gw)
	registry.Register(mk)
	return registry
}

func provideMediaService(log *slog.Logger, cfg config.Config) *media.Service {
	return media.NewService(log, cfg.Media.Dir, cfg.Media.SigningSecret,
		cfg.Server.PublicBaseURL, cfg.Media.LinkTTLDuration())
}

func provideDiskUploader(log *slog.Logger, caller crm.Caller, files *media.Service) *media.DiskUploader {
	return media.NewDiskUploader(log, caller, files)
}

func provideConnectorService(log *slog.Logger, st *store.Store, caller crm.Caller) *connector.Service {
	return connector.New(log, st, caller)
}

func provideBridgeService(log *slog.Logger, cfg config.Config, st *store.Store, fast kvstore.Store,
	caller crm.Caller, registry *channel.Registry, files *media.Service, disk *media.DiskUploader,
	publisher queue.Publisher, lifecycle *connector.Service) *bridge.Service {
	return bridge.New(log, bridge.Deps{
		Store:     st,
		Fast:      fast,
		Crm:       caller,
		Channels:  registry,
		Media:     files,
		Disk:      disk,
		Publisher: publisher,
		Lifecycle: lifecycle,
		EchoTTL:   cfg.Bridge.EchoMarkerTTLDuration(),
	})
}

// marketSessions feeds the poller every marketplace account with a session on
// record.
type marketSessions struct {
	st *store.Store
}

func (m *marketSessions) Endpoints(ctx context.Context) ([]channel.Endpoint, error) {
	sessions, err := m.st.ListSessionsByType(ctx, string(channel.TypeMarket))
	if err != nil {
		return nil, err
	}
	endpoints := make([]channel.Endpoint, 0, len(sessions))
	for _, s := range sessions {
		endpoints = append(endpoints, channel.Endpoint{
			SessionID:  s.ID,
			Type:       channel.TypeMarket,
			ExternalID: s.ExternalID,
			Secret:     s.Secret,
		})
	}
	return endpoints, nil
}

func provideMarketPoller(log *slog.Logger, adapter *market.Adapter, st *store.Store,
	fast kvstore.Store, publisher queue.Publisher) *market.Poller {
	sink := func(ctx context.Context, msg channel.InboundMessage) error {
		session, err := st.GetSessionByExternalID(ctx, string(channel.TypeMarket), msg.SessionRef)
		if err != nil {
			return fmt.Errorf("resolve account %s: %w", msg.SessionRef, err)
		}
		return publisher.Publish(ctx, bridge.RouteInbound, bridge.InboundTask{
			SessionID: session.ID,
			Message:   msg,
		})
	}
	return market.NewPoller(log, adapter, &marketSessions{st: st}, fast, sink)
}

func provideCrmWebhookHandler(log *slog.Logger, st *store.Store, publisher queue.Publisher) *handlers.CrmWebhookHandler {
	return handlers.NewCrmWebhookHandler(log, st, publisher)
}

func provideCloudMsgWebhookHandler(log *slog.Logger, st *store.Store, adapter *cloudmsg.Adapter, publisher queue.Publisher) *handlers.CloudMsgWebhookHandler {
	return handlers.NewCloudMsgWebhookHandler(log, st, adapter, publisher)
}

func provideHostedGwWebhookHandler(log *slog.Logger, st *store.Store, adapter *hostedgw.Adapter, publisher queue.Publisher) *handlers.HostedGwWebhookHandler {
	return handlers.NewHostedGwWebhookHandler(log, st, adapter, publisher)
}

func provideFilesHandler(files *media.Service) *handlers.FilesHandler {
	return handlers.NewFilesHandler(files)
}

type serverParams struct {
	fx.In
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Config.Server.Addr, params.ServerHandlers)
}

// seedConnectors registers the connector descriptors the lifecycle manager
// binds lines against. Upsert keeps restarts idempotent.
func seedConnectors(lc fx.Lifecycle, log *slog.Logger, st *store.Store) {
	descriptors := []store.Connector{
		{Code: "openbridge_cloudmsg", Name: "Cloud Messaging", Icon: "cloudmsg.svg", ChannelType: string(channel.TypeCloudMsg)},
		{Code: "openbridge_hostedgw", Name: "Messaging Gateway", Icon: "hostedgw.svg", ChannelType: string(channel.TypeHostedGw)},
		{Code: "openbridge_market", Name: "Marketplace", Icon: "market.svg", ChannelType: string(channel.TypeMarket)},
	}
	lc.Append(fx.Hook{OnStart: func(ctx context.Context) error {
		for _, c := range descriptors {
			if _, err := st.UpsertConnector(ctx, c); err != nil {
				return fmt.Errorf("seed connector %s: %w", c.Code, err)
			}
		}
		log.Info("connectors seeded", slog.Int("count", len(descriptors)))
		return nil
	}})
}

func startConsumers(lc fx.Lifecycle, client *queue.Client, svc *bridge.Service, cfg config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return client.RunConsumers(ctx, svc.ConsumerSpecs(cfg.Amqp.Prefetch)...)
		},
		OnStop: func(_ context.Context) error { cancel(); return nil },
	})
}

func startPoller(lc fx.Lifecycle, poller *market.Poller, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { return poller.Start(cfg.Market.PollSpec) },
		OnStop:  func(_ context.Context) error { poller.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
