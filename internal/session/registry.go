// Package session maps caller identities to live execution environments.
//
// The Registry is the single source of truth for which environment belongs
// to which identity. Each identity has its own lease: holding it means
// exclusive use of the environment, so requests for one identity run one at
// a time while unrelated identities never wait on each other. The
// registry-wide mutex only guards the map and timestamps and is never held
// across a runtime call.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const orphanDestroyTimeout = 30 * time.Second

// ErrClosed is returned by Acquire once the registry has been drained.
var ErrClosed = errors.New("session registry closed")

// Provisioner creates environments on behalf of the registry. The registry
// destroys an environment itself only when the identity was removed while
// that environment was still being created.
type Provisioner interface {
	CreateEnvironment(ctx context.Context) (string, error)
	DestroyEnvironment(ctx context.Context, ref string) error
}

// Handle identifies one live environment.
type Handle struct {
	Identity     string    `json:"identity"`
	RuntimeRef   string    `json:"runtime_ref"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type entry struct {
	identity string
	// sem is the identity's lease; capacity one.
	sem chan struct{}

	// fields below are guarded by Registry.mu
	handle     *Handle
	lastActive time.Time
	refs       int
	removed    bool
}

type Registry struct {
	provisioner Provisioner
	now         func() time.Time
	logger      *zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Registry) {
		l := logger.With().Str("component", "session").Logger()
		r.logger = &l
	}
}

func NewRegistry(p Provisioner, opts ...Option) *Registry {
	nop := zerolog.Nop()
	r := &Registry{
		provisioner: p,
		now:         time.Now,
		logger:      &nop,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns a lease on the identity's environment, creating the
// environment first if there is none. Concurrent callers for the same
// identity queue behind the current lease holder, so at most one
// environment is ever created per identity. Waiting honours ctx; creation
// does not, so a container that was started is always either registered or
// destroyed again. After Drain it fails with ErrClosed.
func (r *Registry) Acquire(ctx context.Context, identity string) (*Lease, error) {
	for {
		e, err := r.ref(identity)
		if err != nil {
			return nil, err
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			r.unref(e)
			return nil, ctx.Err()
		}

		r.mu.Lock()
		removed, h := e.removed, e.handle
		r.mu.Unlock()

		if removed {
			// reclaimed or purged while we were queued; start over on a fresh entry
			<-e.sem
			r.unref(e)
			continue
		}

		created := false
		if h == nil {
			ref, err := r.provisioner.CreateEnvironment(context.WithoutCancel(ctx))
			if err != nil {
				<-e.sem
				r.unref(e)
				return nil, err
			}
			now := r.now()
			r.mu.Lock()
			if e.removed {
				// removed or drained while creating: nobody else knows about ref
				r.mu.Unlock()
				r.destroyOrphan(ctx, identity, ref)
				<-e.sem
				r.unref(e)
				continue
			}
			e.handle = &Handle{Identity: identity, RuntimeRef: ref, CreatedAt: now}
			r.mu.Unlock()
			created = true
		}

		r.mu.Lock()
		e.lastActive = r.now()
		e.handle.LastActiveAt = e.lastActive
		handle := *e.handle
		r.mu.Unlock()

		return &Lease{registry: r, entry: e, handle: handle, created: created}, nil
	}
}

// Touch refreshes the identity's activity timestamp. Unknown identities are
// ignored: the environment was reclaimed in the meantime.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[identity]; ok {
		e.lastActive = r.now()
		if e.handle != nil {
			e.handle.LastActiveAt = e.lastActive
		}
	}
}

// Remove drops the identity unconditionally and reports whether it was
// known. Holders of an existing lease keep it until they release; queued
// callers start over with a fresh environment. When the environment is still
// being created the returned RuntimeRef is empty and the creator destroys it.
func (r *Registry) Remove(identity string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok {
		return Handle{}, false
	}
	if h, ok := r.dropLocked(e); ok {
		return h, true
	}
	return Handle{Identity: identity}, true
}

// RemoveRef drops the identity only while it is still bound to ref. Used by
// error recovery, which must not remove an environment created after the
// broken one.
func (r *Registry) RemoveRef(identity, ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok || e.handle == nil || e.handle.RuntimeRef != ref {
		return false
	}
	_, removed := r.dropLocked(e)
	return removed
}

// RemoveIfIdle drops the identity only if nobody holds or waits for its
// lease and it has been inactive for at least threshold at now. This is the
// re-check between a SnapshotIdle and the destroy.
func (r *Registry) RemoveIfIdle(identity string, threshold time.Duration, now time.Time) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identity]
	if !ok || e.refs > 0 || now.Sub(e.lastActive) < threshold {
		return Handle{}, false
	}
	return r.dropLocked(e)
}

// SnapshotIdle lists environments unused for at least threshold at now. It
// does not mutate the registry.
func (r *Registry) SnapshotIdle(threshold time.Duration, now time.Time) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []Handle
	for _, e := range r.entries {
		if e.handle == nil || e.refs > 0 {
			continue
		}
		if now.Sub(e.lastActive) >= threshold {
			idle = append(idle, *e.handle)
		}
	}
	sortHandles(idle)
	return idle
}

// List returns every live handle ordered by identity.
func (r *Registry) List() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if e.handle != nil {
			out = append(out, *e.handle)
		}
	}
	sortHandles(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.handle != nil {
			n++
		}
	}
	return n
}

// Drain removes every identity, closes the registry and returns the handles
// of created environments, for shutdown. Environments still being created
// are destroyed by their creators.
func (r *Registry) Drain() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	var out []Handle
	for _, e := range r.entries {
		if h, ok := r.dropLocked(e); ok {
			out = append(out, h)
		}
	}
	sortHandles(out)
	return out
}

func (r *Registry) ref(identity string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	e, ok := r.entries[identity]
	if !ok {
		e = &entry{identity: identity, sem: make(chan struct{}, 1)}
		r.entries[identity] = e
	}
	e.refs++
	// a queued request counts as activity
	e.lastActive = r.now()
	return e, nil
}

func (r *Registry) destroyOrphan(ctx context.Context, identity, ref string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanDestroyTimeout)
	defer cancel()
	if err := r.provisioner.DestroyEnvironment(dctx, ref); err != nil {
		r.logger.Error().Err(err).Str("identity", identity).Str("container", ref).Msg("failed to destroy environment removed during creation")
		return
	}
	r.logger.Info().Str("identity", identity).Str("container", ref).Msg("destroyed environment removed during creation")
}

func (r *Registry) unref(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.handle == nil && !e.removed {
		// creation failed and nobody else is waiting
		if r.entries[e.identity] == e {
			delete(r.entries, e.identity)
		}
		e.removed = true
	}
}

func (r *Registry) dropLocked(e *entry) (Handle, bool) {
	if r.entries[e.identity] == e {
		delete(r.entries, e.identity)
	}
	e.removed = true
	if e.handle == nil {
		return Handle{}, false
	}
	return *e.handle, true
}

// Lease is exclusive use of one identity's environment.
type Lease struct {
	registry *Registry
	entry    *entry
	handle   Handle
	created  bool
	once     sync.Once
}

func (l *Lease) Handle() Handle { return l.handle }

// Created reports whether this Acquire provisioned the environment.
func (l *Lease) Created() bool { return l.created }

// Release gives the environment back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.entry.sem
		l.registry.unref(l.entry)
	})
}

func sortHandles(hs []Handle) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Identity < hs[j].Identity })
}
