// Package app composes the engine: configuration, logging, the secret
// store, the request and push clients, the transfer manager, and the
// synchronization store, glued together with fx lifecycle hooks.
package app

import (
	"context"
	"net/http"
	"os"

	"github.com/xipher-im/xipher/internal/api"
	"github.com/xipher-im/xipher/internal/bus"
	"github.com/xipher-im/xipher/internal/chatstore"
	"github.com/xipher-im/xipher/internal/config"
	"github.com/xipher-im/xipher/internal/cookiejar"
	"github.com/xipher-im/xipher/internal/lock"
	"github.com/xipher-im/xipher/internal/logging"
	"github.com/xipher-im/xipher/internal/secrets"
	"github.com/xipher-im/xipher/internal/session"
	"github.com/xipher-im/xipher/internal/upload"
	"github.com/xipher-im/xipher/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds command line overrides passed to the fx module.
type Params struct {
	ConfigPath string // empty = default under the state dir
	BaseURL    string // overrides the configured server when set
}

// Module returns the fx module composing the whole engine.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideSecrets,
			provideJar,
			provideSession,
			provideHTTPClient,
			provideAPIClient,
			provideSessionManager,
			provideWsClient,
			provideTransfers,
			provideStore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := session.EnsureDirs(); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if p.BaseURL != "" {
		cfg.BaseURL = config.NormalizeBaseURL(p.BaseURL)
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(session.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(session.LockPath())
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired", zap.String("path", session.LockPath()))
	return l, nil
}

func provideSecrets(logger *zap.Logger) (*secrets.BoltStore, error) {
	store, err := secrets.OpenBolt(session.SecretsPath())
	if err != nil {
		return nil, err
	}
	logger.Info("secret store opened", zap.String("path", session.SecretsPath()))
	return store, nil
}

func provideJar() *cookiejar.Jar {
	return cookiejar.New()
}

func provideSession() *session.Session {
	return session.New()
}

func provideHTTPClient(jar *cookiejar.Jar) *http.Client {
	// Per-request timeouts come from the request client.
	return &http.Client{Jar: jar}
}

func provideAPIClient(cfg *config.Config, httpClient *http.Client, sess *session.Session, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg, httpClient, sess, logger)
}

func provideSessionManager(sess *session.Session, cfg *config.Config, store *secrets.BoltStore, jar *cookiejar.Jar, client *api.Client, logger *zap.Logger) *session.Manager {
	return session.NewManager(sess, cfg, store, jar, client, logger)
}

func provideWsClient(cfg *config.Config, sess *session.Session, jar *cookiejar.Jar, b *bus.Bus, logger *zap.Logger) *ws.Client {
	return ws.NewClient(cfg, sess, jar, b, logger)
}

func provideTransfers(client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *upload.Manager {
	return upload.NewManager(client, b, cfg, logger)
}

func provideStore(client *api.Client, wsClient *ws.Client, transfers *upload.Manager, b *bus.Bus, sess *session.Session, logger *zap.Logger) *chatstore.Store {
	return chatstore.New(client, wsClient, transfers, b, sess, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *secrets.BoltStore, mgr *session.Manager, wsClient *ws.Client, chat *chatstore.Store, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go chat.Run(runCtx)

			go func() {
				if !mgr.Restore(runCtx) {
					username := os.Getenv("XIPHER_USERNAME")
					password := os.Getenv("XIPHER_PASSWORD")
					if username == "" {
						logger.Info("no stored session and no credentials, login required")
						return
					}
					if err := mgr.Login(runCtx, username, password); err != nil {
						logger.Warn("login failed", zap.String("error", err.Message))
						return
					}
					logger.Info("logged in", zap.String("username", username))
				} else {
					logger.Info("session restored")
				}
				wsClient.Connect()
				chat.RefreshChats()
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wsClient.Disconnect()
			if err := store.Close(); err != nil {
				logger.Warn("error closing secret store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
