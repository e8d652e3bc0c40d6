package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ReaperConfig configures idle session collection.
type ReaperConfig struct {
	IdleTTL  time.Duration
	Schedule string // cron spec or descriptor, e.g. "@every 10m"
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Reaper periodically tears down sessions with no activity for longer than
// the idle TTL. Idleness is confirmed under the session lock, so a session
// that becomes active during a sweep survives it.
type Reaper struct {
	registry *Registry
	teardown *TeardownManager
	ttl      time.Duration
	schedule cron.Schedule
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewReaper creates a reaper. The schedule is parsed with the standard cron
// parser plus descriptors.
func NewReaper(registry *Registry, teardown *TeardownManager, cfg ReaperConfig) (*Reaper, error) {
	if cfg.IdleTTL <= 0 {
		return nil, errors.New("idle TTL must be positive")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Reaper{
		registry: registry,
		teardown: teardown,
		ttl:      cfg.IdleTTL,
		schedule: schedule,
		logger:   cfg.Logger.With().Str("component", "session_reaper").Logger(),
		now:      cfg.Now,
	}, nil
}

// Start begins sweeping on the schedule.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.cron = cron.New()
	r.cron.Schedule(r.schedule, cron.FuncJob(func() {
		r.Sweep(context.Background())
	}))
	r.cron.Start()
	r.running = true

	r.logger.Info().Dur("idle_ttl", r.ttl).Msg("Session reaper started")
}

// Stop stops scheduling and waits for a running sweep, or ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	c := r.cron
	r.running = false
	r.mu.Unlock()

	select {
	case <-c.Stop().Done():
		r.logger.Info().Msg("Session reaper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop reaper: %w", ctx.Err())
	}
}

// Sweep tears down every idle session once and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.ttl)
	reaped := 0

	for _, st := range r.registry.List() {
		if !st.LastActivity().Before(cutoff) {
			continue
		}

		ok, err := r.teardown.TeardownIdle(ctx, st.ID(), cutoff)
		switch {
		case err == nil && ok:
			reaped++
			r.logger.Info().
				Str("session_id", st.ID()).
				Time("last_activity", st.LastActivity()).
				Msg("Idle session reaped")
		case err == nil:
			r.logger.Debug().Str("session_id", st.ID()).Msg("Session became active, keeping it")
		case errors.Is(err, ErrNotFound):
			// cleared concurrently
		default:
			reaped++
			r.logger.Error().Err(err).Str("session_id", st.ID()).Msg("Failed to reap idle session")
		}
	}

	if reaped > 0 {
		r.logger.Info().Int("reaped", reaped).Msg("Idle session sweep completed")
	}
	return reaped
}
