package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itstheanurag/sessionbox/internal/journal"
	"github.com/itstheanurag/sessionbox/internal/sandbox/sandboxtest"
	"github.com/itstheanurag/sessionbox/internal/session"
)

type recorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *recorder) Record(_ context.Context, ev journal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() map[journal.EventType]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[journal.EventType]int{}
	for _, ev := range r.events {
		out[ev.Type]++
	}
	return out
}

func seed(t *testing.T, reg *session.Registry, identities ...string) {
	t.Helper()
	for _, id := range identities {
		lease, err := reg.Acquire(context.Background(), id)
		require.NoError(t, err)
		lease.Release()
	}
}

func TestReclaimAll(t *testing.T) {
	rt := sandboxtest.New()
	reg := session.NewRegistry(rt)
	seed(t, reg, "a", "b", "c")
	rec := &recorder{}
	logger := zerolog.Nop()

	n := reclaimAll(context.Background(), reg, rt, rec, &logger)

	assert.Equal(t, 3, n)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, rt.Live())
	assert.ElementsMatch(t, []string{"env-1", "env-2", "env-3"}, rt.Destroyed())
	assert.Equal(t, map[journal.EventType]int{journal.EventShutdown: 3}, rec.types())
}

func TestReclaimAll_DestroyFailure(t *testing.T) {
	rt := sandboxtest.New()
	reg := session.NewRegistry(rt)
	seed(t, reg, "a", "b")
	rt.DestroyErr = errors.New("daemon unavailable")
	rec := &recorder{}
	logger := zerolog.Nop()

	n := reclaimAll(context.Background(), reg, rt, rec, &logger)

	assert.Zero(t, n)
	// the registry is emptied regardless
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, map[journal.EventType]int{journal.EventDestroyFailed: 2}, rec.types())
}

func TestReclaimAll_Empty(t *testing.T) {
	rt := sandboxtest.New()
	logger := zerolog.Nop()
	assert.Zero(t, reclaimAll(context.Background(), session.NewRegistry(rt), rt, journal.Nop, &logger))
	assert.Empty(t, rt.Destroyed())
}
