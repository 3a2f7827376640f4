package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itstheanurag/sessionbox/internal/sandbox"
	"github.com/itstheanurag/sessionbox/internal/sandbox/sandboxtest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquire_CreatesOncePerIdentityUnderConcurrency(t *testing.T) {
	rt := sandboxtest.New()
	rt.CreateDelay = 20 * time.Millisecond
	reg := NewRegistry(rt)

	const n = 16
	refs := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := reg.Acquire(context.Background(), "alice")
			if !assert.NoError(t, err) {
				return
			}
			refs <- lease.Handle().RuntimeRef
			lease.Release()
		}()
	}
	wg.Wait()
	close(refs)

	assert.Equal(t, 1, rt.Creates())
	for ref := range refs {
		assert.Equal(t, "env-1", ref)
	}
	assert.Equal(t, 1, reg.Len())
}

func TestAcquire_ReusesEnvironment(t *testing.T) {
	clock := newFakeClock()
	rt := sandboxtest.New()
	reg := NewRegistry(rt, WithClock(clock.Now))

	first, err := reg.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, first.Created())
	first.Release()
	first.Release() // idempotent

	clock.Advance(5 * time.Second)
	second, err := reg.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	defer second.Release()

	assert.False(t, second.Created())
	assert.Equal(t, first.Handle().RuntimeRef, second.Handle().RuntimeRef)
	assert.Equal(t, first.Handle().CreatedAt, second.Handle().CreatedAt)
	assert.Equal(t, clock.Now(), second.Handle().LastActiveAt)
	assert.Equal(t, 1, rt.Creates())
}

func TestAcquire_SerializesSameIdentity(t *testing.T) {
	reg := NewRegistry(sandboxtest.New())

	held, err := reg.Acquire(context.Background(), "carol")
	require.NoError(t, err)

	var got atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		lease, err := reg.Acquire(context.Background(), "carol")
		if assert.NoError(t, err) {
			got.Store(true)
			lease.Release()
		}
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, got.Load(), "second lease granted while first is held")

	held.Release()
	<-done
	assert.True(t, got.Load())
}

func TestAcquire_WaitHonoursCancellation(t *testing.T) {
	reg := NewRegistry(sandboxtest.New())

	held, err := reg.Acquire(context.Background(), "dave")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reg.Acquire(ctx, "dave")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_DifferentIdentitiesDoNotBlock(t *testing.T) {
	rt := sandboxtest.New()
	reg := NewRegistry(rt)

	held, err := reg.Acquire(context.Background(), "erin")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := reg.Acquire(ctx, "frank")
	require.NoError(t, err)
	defer other.Release()

	assert.NotEqual(t, held.Handle().RuntimeRef, other.Handle().RuntimeRef)
	assert.Equal(t, 2, rt.Creates())
}

func TestAcquire_ProvisioningFailure(t *testing.T) {
	rt := sandboxtest.New()
	rt.CreateErr = errors.New("no space left")
	reg := NewRegistry(rt)

	_, err := reg.Acquire(context.Background(), "gina")
	var perr *sandbox.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.List())

	rt.CreateErr = nil
	lease, err := reg.Acquire(context.Background(), "gina")
	require.NoError(t, err)
	defer lease.Release()
	assert.True(t, lease.Created())
	assert.Equal(t, 2, rt.Creates())
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(sandboxtest.New(), WithClock(clock.Now))

	lease, err := reg.Acquire(context.Background(), "hank")
	require.NoError(t, err)
	lease.Release()

	clock.Advance(time.Minute)
	reg.Touch("hank")
	reg.Touch("nobody")

	handles := reg.List()
	require.Len(t, handles, 1)
	assert.Equal(t, clock.Now(), handles[0].LastActiveAt)
}

func TestSnapshotIdle(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(sandboxtest.New(), WithClock(clock.Now))

	for _, id := range []string{"old", "fresh", "busy"} {
		lease, err := reg.Acquire(context.Background(), id)
		require.NoError(t, err)
		lease.Release()
	}
	busy, err := reg.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer busy.Release()

	clock.Advance(time.Minute)
	reg.Touch("fresh")

	idle := reg.SnapshotIdle(time.Minute, clock.Now())
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].Identity)

	// snapshot does not remove
	assert.Equal(t, 3, reg.Len())
}

func TestRemoveIfIdle_RechecksActivity(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(sandboxtest.New(), WithClock(clock.Now))

	lease, err := reg.Acquire(context.Background(), "ivy")
	require.NoError(t, err)
	lease.Release()

	clock.Advance(2 * time.Minute)
	snap := reg.SnapshotIdle(time.Minute, clock.Now())
	require.Len(t, snap, 1)

	// activity between snapshot and removal wins
	reg.Touch("ivy")
	_, removed := reg.RemoveIfIdle("ivy", time.Minute, clock.Now())
	assert.False(t, removed)

	clock.Advance(2 * time.Minute)
	h, removed := reg.RemoveIfIdle("ivy", time.Minute, clock.Now())
	assert.True(t, removed)
	assert.Equal(t, snap[0].RuntimeRef, h.RuntimeRef)
	assert.Equal(t, 0, reg.Len())
}

func TestRemoveIfIdle_SkipsLeasedIdentity(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(sandboxtest.New(), WithClock(clock.Now))

	lease, err := reg.Acquire(context.Background(), "jack")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, removed := reg.RemoveIfIdle("jack", time.Minute, clock.Now())
	assert.False(t, removed)

	lease.Release()
	_, removed = reg.RemoveIfIdle("jack", time.Minute, clock.Now())
	assert.True(t, removed)
}

func TestRemove_QueuedCallerGetsFreshEnvironment(t *testing.T) {
	rt := sandboxtest.New()
	reg := NewRegistry(rt)

	held, err := reg.Acquire(context.Background(), "kate")
	require.NoError(t, err)

	refs := make(chan string, 1)
	go func() {
		lease, err := reg.Acquire(context.Background(), "kate")
		if assert.NoError(t, err) {
			refs <- lease.Handle().RuntimeRef
			lease.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	h, ok := reg.Remove("kate")
	require.True(t, ok)
	assert.Equal(t, held.Handle().RuntimeRef, h.RuntimeRef)
	held.Release()

	select {
	case ref := <-refs:
		assert.NotEqual(t, h.RuntimeRef, ref)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed")
	}
	assert.Equal(t, 2, rt.Creates())

	_, ok = reg.Remove("missing")
	assert.False(t, ok)
}

func TestDrain(t *testing.T) {
	reg := NewRegistry(sandboxtest.New())
	for _, id := range []string{"b", "a"} {
		lease, err := reg.Acquire(context.Background(), id)
		require.NoError(t, err)
		lease.Release()
	}

	drained := reg.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "a", drained[0].Identity)
	assert.Equal(t, 0, reg.Len())
}

func TestRemoveRef_OnlyMatchingEnvironment(t *testing.T) {
	reg := NewRegistry(sandboxtest.New())

	lease, err := reg.Acquire(context.Background(), "liam")
	require.NoError(t, err)
	ref := lease.Handle().RuntimeRef
	lease.Release()

	assert.False(t, reg.RemoveRef("liam", "env-other"))
	assert.Equal(t, 1, reg.Len())

	assert.True(t, reg.RemoveRef("liam", ref))
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.RemoveRef("liam", ref))
}

func TestRemove_DuringCreationDestroysNewEnvironment(t *testing.T) {
	rt := sandboxtest.New()
	rt.CreateDelay = 100 * time.Millisecond
	reg := NewRegistry(rt)

	leases := make(chan *Lease, 1)
	go func() {
		lease, err := reg.Acquire(context.Background(), "alice")
		if assert.NoError(t, err) {
			leases <- lease
		}
	}()
	time.Sleep(20 * time.Millisecond)

	h, ok := reg.Remove("alice")
	require.True(t, ok, "an identity being created is known")
	assert.Empty(t, h.RuntimeRef)

	var lease *Lease
	select {
	case lease = <-leases:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed")
	}
	defer lease.Release()

	// the environment created for the removed entry is torn down and the
	// caller continues on a fresh, registered one
	assert.Equal(t, []string{"env-1"}, rt.Destroyed())
	assert.Equal(t, "env-2", lease.Handle().RuntimeRef)
	assert.Equal(t, 1, rt.Live())
	listed := reg.List()
	require.Len(t, listed, 1)
	assert.Equal(t, "env-2", listed[0].RuntimeRef)
}

func TestDrain_DuringCreationClosesRegistry(t *testing.T) {
	rt := sandboxtest.New()
	rt.CreateDelay = 100 * time.Millisecond
	reg := NewRegistry(rt)

	errs := make(chan error, 1)
	go func() {
		lease, err := reg.Acquire(context.Background(), "alice")
		if err == nil {
			lease.Release()
		}
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, reg.Drain())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed")
	}
	assert.Equal(t, []string{"env-1"}, rt.Destroyed())
	assert.Equal(t, 0, rt.Live())
	assert.Equal(t, 1, rt.Creates())

	_, err := reg.Acquire(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrClosed)
}
