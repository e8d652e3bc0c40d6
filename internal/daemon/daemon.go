package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tally/internal/config"
	"github.com/harun/tally/internal/logger"
	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"github.com/harun/tally/pkg/api"
	"github.com/harun/tally/pkg/events"
	"github.com/harun/tally/pkg/session"
	"github.com/harun/tally/pkg/tabulator"
	"github.com/rs/zerolog"
)

// Daemon represents the tally service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	ledger      *session.Ledger
	registry    *session.Registry
	coordinator *session.Coordinator
	teardown    *session.TeardownManager
	engine      tabulator.Engine
	invoker     *tabulator.Invoker
	audit       *observability.AuditLogger

	// Services
	hub     *events.Hub
	server  *api.Server
	reaper  *session.Reaper
	watcher *config.Watcher

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes the daemon state
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"startTime"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"sessions"`
}

// newEngine builds the tabulation engine; tests replace it.
var newEngine = func(cfg config.EngineConfig, timeout time.Duration) (tabulator.Engine, error) {
	return tabulator.NewCommandEngine(tabulator.CommandConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Timeout: timeout,
	})
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCoreModules()
		return nil, err
	}
	if err := d.initializeServices(); err != nil {
		d.closeCoreModules()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	base := d.logger.Zerolog()

	if d.config.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{
			ServiceName: d.config.Tracing.ServiceName,
			Exporter:    d.config.Tracing.Exporter,
			File:        d.config.Tracing.File,
		}); err != nil {
			base.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			base.Info().Msg("Tracing initialized successfully")
		}
	}

	if path := d.config.Storage.AuditLog; path != "" {
		audit, err := observability.OpenAuditLogger(path)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		d.audit = audit
	} else {
		d.audit = observability.NewAuditLogger(base.With().Str("component", "audit").Logger())
	}

	if path := d.config.Ledger.Path; path != "" {
		ledger, err := session.OpenLedger(path)
		if err != nil {
			return fmt.Errorf("failed to open session ledger: %w", err)
		}
		d.ledger = ledger
	}

	d.hub = events.NewHub(base)

	registry, err := session.NewRegistry(session.RegistryConfig{
		Root:     d.config.Storage.ContestDir,
		Ledger:   d.ledger,
		Notifier: d.hub,
		Logger:   base,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}
	d.registry = registry
	d.coordinator = session.NewCoordinator(registry)
	d.teardown = session.NewTeardownManager(registry)

	engine, err := newEngine(d.config.Engine, d.config.EngineTimeout())
	if err != nil {
		return fmt.Errorf("failed to create tabulation engine: %w", err)
	}
	d.engine = engine

	invoker, err := tabulator.NewInvoker(registry, tabulator.InvokerConfig{
		Engine: engine,
		Audit:  d.audit,
		Logger: base,
	})
	if err != nil {
		return fmt.Errorf("failed to create tabulation invoker: %w", err)
	}
	d.invoker = invoker

	return nil
}

func (d *Daemon) initializeServices() error {
	base := d.logger.Zerolog()

	server, err := api.NewServer(api.Options{
		Host:               d.config.Server.Host,
		Port:               d.config.Server.Port,
		BasePath:           d.config.Server.BasePath,
		MaxChunkBytes:      d.config.Server.MaxChunkBytes,
		RateLimitPerMinute: d.config.Server.RateLimitPerMinute,
		ShutdownTimeout:    d.config.ShutdownTimeout(),
	}, api.Deps{
		AppName:     d.config.App.Name,
		Version:     d.config.App.Version,
		Registry:    d.registry,
		Coordinator: d.coordinator,
		Invoker:     d.invoker,
		Teardown:    d.teardown,
		Events:      d.hub,
		Audit:       d.audit,
		Logger:      base,
	})
	if err != nil {
		return fmt.Errorf("failed to create contest server: %w", err)
	}
	d.server = server

	if ttl := d.config.IdleTTL(); ttl > 0 {
		reaper, err := session.NewReaper(d.registry, d.teardown, session.ReaperConfig{
			IdleTTL:  ttl,
			Schedule: d.config.Sessions.ReapSchedule,
			Logger:   base,
		})
		if err != nil {
			return fmt.Errorf("failed to create session reaper: %w", err)
		}
		d.reaper = reaper
	}

	return nil
}

// Start recovers persisted sessions and starts serving.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	log := tracing.LoggerFromContext(ctx, d.logger.Zerolog())
	log.Info().
		Str("app", d.config.App.Name).
		Str("version", d.config.App.Version).
		Msg("Starting tally daemon")

	fail := func(err error) error {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}

	if err := d.lifecycle.Start(); err != nil {
		return fail(fmt.Errorf("failed to start lifecycle manager: %w", err))
	}

	restored, err := d.registry.Recover(ctx)
	if err != nil {
		_ = d.lifecycle.Stop()
		return fail(fmt.Errorf("failed to recover sessions: %w", err))
	}
	if restored > 0 {
		log.Info().Int("sessions", restored).Msg("Recovered contest sessions")
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		return fail(fmt.Errorf("failed to start contest server: %w", err))
	}

	if d.reaper != nil {
		d.reaper.Start()
	}

	log.Info().Str("addr", d.server.Addr()).Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Zerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping tally daemon")

	d.StopWatching()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.ShutdownTimeout()+10*time.Second)
	defer cancel()

	if d.reaper != nil {
		if err := d.reaper.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to stop session reaper")
		}
	}

	if err := d.server.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to stop contest server")
	}

	d.hub.Close()

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeCoreModules()

	log.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) closeCoreModules() {
	log := d.logger.Zerolog()

	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close session ledger")
		}
		d.ledger = nil
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := d.audit.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Run starts the daemon, blocks until ctx is done or the server fails, and stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		log := d.logger.Zerolog()
		log.Info().Msg("Shutdown requested")
	case err, ok := <-d.server.Err():
		if ok {
			serveErr = fmt.Errorf("contest server failed: %w", err)
		}
	}

	if err := d.Stop(); err != nil {
		return err
	}
	return serveErr
}

// WatchConfig applies hot-reloadable settings whenever the config file changes.
// Only the log level is applied live; other changes need a restart.
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.watcher != nil {
		return nil
	}

	log := d.logger.Zerolog().With().Str("component", "config_watcher").Logger()
	watcher, err := config.NewWatcher(loader, func(cfg *config.Config) {
		d.applyConfig(cfg, log)
	}, log)
	if err != nil {
		return fmt.Errorf("failed to watch config: %w", err)
	}
	d.watcher = watcher
	return nil
}

// StopWatching stops the config watcher, if any.
func (d *Daemon) StopWatching() {
	d.mu.Lock()
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log := d.logger.Zerolog()
			log.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}
}

func (d *Daemon) applyConfig(cfg *config.Config, log zerolog.Logger) {
	d.mu.Lock()
	previous := d.config
	d.mu.Unlock()

	if cfg.Logging.Level != previous.Logging.Level {
		if err := logger.SetLevel(cfg.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("Ignoring log level change")
		} else {
			log.Info().
				Str("from", previous.Logging.Level).
				Str("to", cfg.Logging.Level).
				Msg("Log level changed")
			d.mu.Lock()
			updated := *previous
			updated.Logging.Level = cfg.Logging.Level
			d.config = &updated
			d.mu.Unlock()
		}
	}

	if cfg.Server != previous.Server || cfg.Storage != previous.Storage || cfg.Ledger != previous.Ledger {
		log.Warn().Msg("Server, storage or ledger settings changed; restart to apply")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.registry.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// GetConfig returns the active configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetRegistry returns the session registry
func (d *Daemon) GetRegistry() *session.Registry {
	return d.registry
}

// GetServer returns the contest HTTP server
func (d *Daemon) GetServer() *api.Server {
	return d.server
}

// GetHub returns the event hub
func (d *Daemon) GetHub() *events.Hub {
	return d.hub
}
