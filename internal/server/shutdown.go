package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itstheanurag/sessionbox/internal/journal"
	"github.com/itstheanurag/sessionbox/internal/metrics"
	"github.com/itstheanurag/sessionbox/internal/reaper"
	"github.com/itstheanurag/sessionbox/internal/session"
)

// reclaimAll empties the registry and destroys every environment it held,
// in parallel. It returns how many were destroyed.
func reclaimAll(
	ctx context.Context,
	registry *session.Registry,
	destroyer reaper.Destroyer,
	rec journal.Recorder,
	logger *zerolog.Logger,
) int {
	handles := registry.Drain()
	metrics.ActiveSessions.Set(0)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		destroyed int
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h session.Handle) {
			defer wg.Done()

			ev := journal.Event{
				Type:       journal.EventShutdown,
				Identity:   h.Identity,
				RuntimeRef: h.RuntimeRef,
				OccurredAt: time.Now().UTC(),
			}
			if err := destroyer.DestroyEnvironment(ctx, h.RuntimeRef); err != nil {
				metrics.DestroyFailures.Inc()
				logger.Error().Err(err).Str("identity", h.Identity).Str("container", h.RuntimeRef).Msg("failed to destroy environment on shutdown")
				ev.Type, ev.Detail = journal.EventDestroyFailed, err.Error()
			} else {
				metrics.SessionsRemoved.WithLabelValues("shutdown").Inc()
				mu.Lock()
				destroyed++
				mu.Unlock()
			}
			if err := rec.Record(context.WithoutCancel(ctx), ev); err != nil {
				logger.Warn().Err(err).Msg("failed to record session event")
			}
		}(h)
	}
	wg.Wait()
	return destroyed
}
