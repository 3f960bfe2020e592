package chatclient

import (
	"context"

	"github.com/pvictorino/marketchat/internal/bus"
	"github.com/pvictorino/marketchat/internal/config"
	"github.com/pvictorino/marketchat/internal/logging"
	"github.com/pvictorino/marketchat/internal/member"
	"github.com/pvictorino/marketchat/internal/outbox"
	"github.com/pvictorino/marketchat/internal/receipt"
	"github.com/pvictorino/marketchat/internal/rest"
	"github.com/pvictorino/marketchat/internal/status"
	"github.com/pvictorino/marketchat/internal/store"
	intsync "github.com/pvictorino/marketchat/internal/sync"
	"github.com/pvictorino/marketchat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the chat client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("chatclient",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideStores,
			provideRESTClient,
			provideTransport,
			provideReceipts,
			provideSyncEngine,
			provideOutbox,
			provideMembers,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.ResolvedLogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

type stores struct {
	fx.Out

	Sessions *store.SessionStore
	Messages *store.MessageStore
}

func provideStores() stores {
	return stores{
		Sessions: store.NewSessionStore(),
		Messages: store.NewMessageStore(),
	}
}

func provideRESTClient(p Params) *rest.Client {
	return rest.NewClient(p.Config.BaseURL, p.Config.Token)
}

func provideTransport(p Params, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(p.Config.SocketURL, p.Config.ReconnectDelay(), m, b, logger)
}

func provideReceipts(sessions *store.SessionStore, tm *transport.Manager, b *bus.Bus, logger *zap.Logger) *receipt.Synchronizer {
	return receipt.NewSynchronizer(sessions, tm, b, logger)
}

func provideSyncEngine(sessions *store.SessionStore, messages *store.MessageStore, receipts *receipt.Synchronizer, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(sessions, messages, receipts, b, logger)
}

func provideOutbox(engine *intsync.Engine, sessions *store.SessionStore, messages *store.MessageStore, tm *transport.Manager, api *rest.Client, b *bus.Bus, logger *zap.Logger) *outbox.Coordinator {
	return outbox.NewCoordinator(engine, sessions, messages, tm, api, b, logger)
}

func provideMembers(engine *intsync.Engine, sessions *store.SessionStore, messages *store.MessageStore, api *rest.Client, b *bus.Bus, logger *zap.Logger) *member.Manager {
	return member.NewManager(engine, sessions, messages, api, b, logger)
}

func provideClient(p Params, sessions *store.SessionStore, messages *store.MessageStore, engine *intsync.Engine, receipts *receipt.Synchronizer, ob *outbox.Coordinator, members *member.Manager, tm *transport.Manager, api *rest.Client, b *bus.Bus, logger *zap.Logger) *Client {
	return New(sessions, messages, engine, receipts, ob, members, tm, api, b, logger, p.Config.Token)
}

func registerLifecycle(lc fx.Lifecycle, c *Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return c.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			if err := c.Stop(); err != nil {
				logger.Warn("error stopping client", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
