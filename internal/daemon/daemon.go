// Package daemon wires the whole server together: configuration,
// logging, embedding provider selection, the memory store, the sync
// engine, the tool registry, and the gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/pkg/embedding"
	"github.com/harun/mnemo/pkg/gateway"
	"github.com/harun/mnemo/pkg/store"
	"github.com/harun/mnemo/pkg/syncer"
	"github.com/harun/mnemo/pkg/tools"
	"github.com/rs/zerolog"
)

// Daemon owns the long-running components and their shutdown order.
type Daemon struct {
	cfgPath string
	loader  *config.Loader

	mu  sync.Mutex
	cfg *config.Config

	log      *logger.Logger
	store    *store.Store
	embedder *embedding.Service
	engine   *syncer.Engine
	registry *tools.Registry
	gateway  *gateway.Server
	watcher  *config.Watcher
}

// Option adjusts the loaded configuration before the daemon is built.
type Option func(*config.Config)

// WithoutGateway disables the gateway regardless of config, for one-shot
// CLI invocations that only need the store and sync engine.
func WithoutGateway() Option {
	return func(c *config.Config) {
		c.Gateway.Enabled = false
	}
}

// WithSync forces sync on or off regardless of config.
func WithSync(enabled bool) Option {
	return func(c *config.Config) {
		c.Sync.Enabled = enabled
	}
}

// New loads and validates configuration and prepares a daemon.
func New(configPath string, opts ...Option) (*Daemon, error) {
	loader := config.NewLoader(configPath)

	resolved, err := loader.ResolvePath()
	if err != nil {
		return nil, err
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Daemon{
		cfgPath: resolved,
		loader:  loader,
		cfg:     cfg,
	}, nil
}

// Config returns the current configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Store returns the memory store; valid after Start.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Registry returns the tool registry; valid after Start.
func (d *Daemon) Registry() *tools.Registry {
	return d.registry
}

// SyncEngine returns the sync engine, or nil when sync is disabled.
func (d *Daemon) SyncEngine() *syncer.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine
}

// Start builds every component in dependency order.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.Config()

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	d.log = lg
	log := lg.GetZerolog()

	log.Info().Str("config", d.cfgPath).Msg("Starting mnemo daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.embedder = buildEmbedder(cfg, log)

	st, err := store.New(store.Config{
		DBPath:   cfg.DatabasePath(),
		Embedder: d.embedder,
		Logger:   log.With().Str("component", "store").Logger(),
	})
	if err != nil {
		return err
	}
	d.store = st

	if cfg.Sync.Enabled {
		engine, err := d.buildSyncEngine(cfg, log)
		if err != nil {
			// Sync trouble must not keep memories unavailable.
			log.Error().Err(err).Msg("Sync engine unavailable, continuing without sync")
		} else {
			d.engine = engine
			if err := engine.StartAuto(cfg.Sync.Interval()); err != nil {
				return err
			}
		}
	}

	d.registry = tools.NewRegistry(log.With().Str("component", "tools").Logger())
	if err := d.registry.Register(tools.MemoryTool(d.store)); err != nil {
		return err
	}
	if err := d.registry.Register(tools.ConfigTool(tools.ConfigToolDeps{
		Store:    d.store,
		Sync:     &syncAdapter{daemon: d},
		Settings: &settingsController{daemon: d},
	})); err != nil {
		return err
	}

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Registry:     d.registry,
			Logger:       log.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			return fmt.Errorf("failed to build gateway: %w", err)
		}
		d.gateway = gw
		if err := gw.Start(); err != nil {
			return err
		}
	}

	watcher, err := config.NewWatcher(d.cfgPath, log.With().Str("component", "config").Logger(), d.reloadConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Config hot-reload unavailable")
	} else {
		d.watcher = watcher
	}

	log.Info().
		Str("db", cfg.DatabasePath()).
		Str("embedding", d.embedder.ProviderName()).
		Bool("sync", d.engine != nil).
		Bool("gateway", d.gateway != nil).
		Msg("Daemon started")

	return nil
}

// Run starts the daemon and blocks until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop tears components down in reverse start order.
func (d *Daemon) Stop() error {
	var log zerolog.Logger
	if d.log != nil {
		log = d.log.GetZerolog()
		log.Info().Msg("Stopping daemon")
	}

	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := d.gateway.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Gateway shutdown error")
		}
	}
	if engine := d.SyncEngine(); engine != nil {
		engine.Stop()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			return err
		}
	}
	if d.log != nil {
		return d.log.Close()
	}
	return nil
}

// buildEmbedder selects the embedding provider once at startup from the
// configured credentials and wraps it in the shared service. An empty
// selection yields a service that reports unavailable, which keeps the
// store lexical-only.
func buildEmbedder(cfg *config.Config, log zerolog.Logger) *embedding.Service {
	provider := selectProvider(cfg.Embedding, log)

	// Local inference saturates CPU per call, so its pool stays small;
	// network-bound cloud calls tolerate more in flight.
	workers := 4
	if provider != nil && provider.Name() == "local" {
		workers = 2
	}

	return embedding.NewService(embedding.ServiceConfig{
		Provider:     provider,
		StoredDims:   cfg.Embedding.Dimensions,
		MaxBatchSize: cfg.Embedding.MaxBatchSize,
		Workers:      workers,
		Retry: embedding.RetryPolicy{
			MaxAttempts: cfg.Embedding.MaxAttempts,
			BaseDelay:   embedding.DefaultRetryPolicy().BaseDelay,
			Multiplier:  embedding.DefaultRetryPolicy().Multiplier,
			Jitter:      embedding.DefaultRetryPolicy().Jitter,
		},
		Logger: log.With().Str("component", "embedding").Logger(),
	})
}

// selectProvider resolves "auto" to a concrete provider. The decision is
// made exactly once; later credential changes need a restart.
func selectProvider(cfg config.EmbeddingConfig, log zerolog.Logger) embedding.Provider {
	mode := cfg.Provider
	if mode == "" || mode == "auto" {
		switch {
		case cfg.APIKey != "":
			mode = "openai"
		case cfg.BaseURL != "":
			mode = "local"
		default:
			mode = "none"
		}
	}

	switch mode {
	case "openai":
		if cfg.APIKey == "" {
			log.Warn().Msg("OpenAI embedding selected but no API key, embeddings disabled")
			return nil
		}
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Name:       "openai",
		})
	case "local":
		if cfg.BaseURL == "" {
			log.Warn().Msg("Local embedding selected but no base URL, embeddings disabled")
			return nil
		}
		return embedding.NewOpenAIProvider(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Name:       "local",
		})
	default:
		log.Info().Msg("No embedding provider configured, lexical search only")
		return nil
	}
}

// buildSyncEngine provisions rclone and assembles the transfer pipeline.
func (d *Daemon) buildSyncEngine(cfg *config.Config, log zerolog.Logger) (*syncer.Engine, error) {
	provisioner := syncer.NewProvisioner(cfg.DataDir, log.With().Str("component", "sync").Logger())
	binary, err := provisioner.EnsureRclone()
	if err != nil {
		return nil, err
	}

	transferer, err := syncer.NewRcloneTransferer(syncer.RcloneConfig{
		Binary:       binary,
		Remote:       cfg.Sync.Remote,
		Folder:       cfg.Sync.Folder,
		SnapshotName: cfg.SnapshotName(),
		Timeout:      cfg.Sync.Timeout(),
		Logger:       log.With().Str("component", "sync").Logger(),
	})
	if err != nil {
		return nil, err
	}

	return syncer.NewEngine(syncer.EngineConfig{
		Store:      d.store,
		Transferer: transferer,
		TempDir:    filepath.Join(cfg.DataDir, "sync_temp"),
		Logger:     log.With().Str("component", "sync").Logger(),
	})
}

// syncAdapter resolves the engine on every call so runtime enable and
// disable through the config tool take effect without re-registration.
type syncAdapter struct {
	daemon *Daemon
}

func (a *syncAdapter) Cycle(ctx context.Context) (syncer.Result, error) {
	engine := a.daemon.SyncEngine()
	if engine == nil {
		return syncer.Result{}, errors.New("sync is not configured")
	}
	return engine.Cycle(ctx)
}

func (a *syncAdapter) SetInterval(interval time.Duration) error {
	engine := a.daemon.SyncEngine()
	if engine == nil {
		return errors.New("sync is not configured")
	}
	return engine.SetInterval(interval)
}

func (a *syncAdapter) Interval() time.Duration {
	engine := a.daemon.SyncEngine()
	if engine == nil {
		return 0
	}
	return engine.Interval()
}

// reloadConfig reacts to an edited config file by re-applying the
// runtime-mutable settings. Everything else needs a restart.
func (d *Daemon) reloadConfig() {
	log := d.log.GetZerolog()

	cfg, err := d.loader.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring config reload, file unreadable")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("Ignoring config reload, invalid config")
		return
	}

	d.mu.Lock()
	previous := d.cfg
	d.cfg = cfg
	engine := d.engine
	d.mu.Unlock()

	if engine != nil && cfg.Sync.IntervalSeconds != previous.Sync.IntervalSeconds {
		if err := engine.SetInterval(cfg.Sync.Interval()); err != nil {
			log.Warn().Err(err).Msg("Failed to apply new sync interval")
		}
	}

	log.Info().Msg("Config reloaded")
}
