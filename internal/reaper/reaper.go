// Package reaper periodically destroys environments whose sessions have been
// idle for longer than the configured timeout.
package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/itstheanurag/sessionbox/internal/journal"
	"github.com/itstheanurag/sessionbox/internal/metrics"
	"github.com/itstheanurag/sessionbox/internal/session"
)

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateDestroying
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateDestroying:
		return "destroying"
	default:
		return "idle"
	}
}

// Destroyer tears environments down.
type Destroyer interface {
	DestroyEnvironment(ctx context.Context, ref string) error
}

type Config struct {
	IdleTimeout  time.Duration
	ScanInterval time.Duration
	// DestroyTimeout bounds each teardown.
	DestroyTimeout time.Duration
	Journal        journal.Recorder
	Now            func() time.Time
}

type Reaper struct {
	registry  *session.Registry
	destroyer Destroyer
	cfg       Config
	logger    *zerolog.Logger
	cron      *cron.Cron
	state     atomic.Int32
}

func New(registry *session.Registry, destroyer Destroyer, cfg Config, logger *zerolog.Logger) *Reaper {
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 30 * time.Second
	}
	l := logger.With().Str("component", "reaper").Logger()
	cl := cronLogger{log: &l}
	return &Reaper{
		registry:  registry,
		destroyer: destroyer,
		cfg:       cfg,
		logger:    &l,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start schedules a sweep every ScanInterval. It does not block.
func (r *Reaper) Start() {
	r.cron.Schedule(cron.Every(r.cfg.ScanInterval), cron.FuncJob(func() {
		r.Sweep(context.Background())
	}))
	r.cron.Start()
	r.logger.Info().
		Dur("idle_timeout", r.cfg.IdleTimeout).
		Dur("scan_interval", r.cfg.ScanInterval).
		Msg("reaper started")
}

// Stop prevents further sweeps and waits for a running one to finish or for
// ctx to expire.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info().Msg("reaper stopped")
	case <-ctx.Done():
		r.logger.Warn().Msg("reaper stop timed out with a sweep in progress")
	}
}

func (r *Reaper) State() State {
	return State(r.state.Load())
}

// Sweep runs one reclamation pass and returns how many environments it
// removed. Failures are logged per entry and never stop the pass.
func (r *Reaper) Sweep(ctx context.Context) int {
	start := time.Now()
	r.state.Store(int32(StateScanning))
	defer func() {
		r.state.Store(int32(StateIdle))
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	idle := r.registry.SnapshotIdle(r.cfg.IdleTimeout, r.cfg.Now())
	if len(idle) == 0 {
		return 0
	}

	removed := 0
	for _, candidate := range idle {
		// activity since the snapshot keeps the environment alive
		h, ok := r.registry.RemoveIfIdle(candidate.Identity, r.cfg.IdleTimeout, r.cfg.Now())
		if !ok {
			r.logger.Debug().Str("identity", candidate.Identity).Msg("session became active, skipping")
			continue
		}
		removed++
		r.state.Store(int32(StateDestroying))
		r.destroy(ctx, h)
		r.state.Store(int32(StateScanning))
	}

	metrics.ActiveSessions.Set(float64(r.registry.Len()))
	if removed > 0 {
		r.logger.Info().Int("count", removed).Msg("cleaned up inactive environments")
	}
	return removed
}

func (r *Reaper) destroy(ctx context.Context, h session.Handle) {
	r.logger.Info().
		Str("identity", h.Identity).
		Str("container", h.RuntimeRef).
		Time("last_active_at", h.LastActiveAt).
		Msg("session timed out, removing environment")
	metrics.SessionsRemoved.WithLabelValues("reclaimed").Inc()

	ev := journal.Event{Type: journal.EventReclaimed, Identity: h.Identity, RuntimeRef: h.RuntimeRef}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.DestroyTimeout)
	defer cancel()
	if err := r.destroyer.DestroyEnvironment(dctx, h.RuntimeRef); err != nil {
		metrics.DestroyFailures.Inc()
		r.logger.Error().Err(err).Str("container", h.RuntimeRef).Msg("failed to destroy environment")
		ev.Type, ev.Detail = journal.EventDestroyFailed, err.Error()
	}

	ev.OccurredAt = time.Now().UTC()
	if err := r.cfg.Journal.Record(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Msg("failed to record session event")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log *zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
