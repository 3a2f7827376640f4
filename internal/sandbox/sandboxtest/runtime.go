// Package sandboxtest provides an in-memory sandbox.Runtime for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/itstheanurag/sessionbox/internal/sandbox"
)

// Env is one fake environment. Files persist across executions until the
// environment is destroyed.
type Env struct {
	Ref   string
	Files map[string]string
	Execs int
}

// ExecFunc decides the outcome of a payload. It runs with the runtime lock
// released and may mutate env.Files.
type ExecFunc func(env *Env, payload string) (*sandbox.Outcome, error)

type Runtime struct {
	// Exec handles payloads; nil returns an empty successful outcome.
	Exec ExecFunc
	// CreateErr, when set, fails every CreateEnvironment call.
	CreateErr error
	// ListErr, when set, fails every ListWorkspace call.
	ListErr error
	// DestroyErr, when set, fails every DestroyEnvironment call.
	DestroyErr error
	// CreateDelay and ExecDelay slow the corresponding calls down. ExecDelay
	// is cut short by context cancellation.
	CreateDelay time.Duration
	ExecDelay   time.Duration

	mu        sync.Mutex
	seq       int
	envs      map[string]*Env
	creates   int
	destroys  []string
	payloads  []string
	execCalls int
}

func New() *Runtime {
	return &Runtime{envs: make(map[string]*Env)}
}

func (r *Runtime) CreateEnvironment(ctx context.Context) (string, error) {
	if r.CreateDelay > 0 {
		time.Sleep(r.CreateDelay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.CreateErr != nil {
		return "", &sandbox.ProvisioningError{Err: r.CreateErr}
	}
	r.seq++
	ref := fmt.Sprintf("env-%d", r.seq)
	r.envs[ref] = &Env{Ref: ref, Files: make(map[string]string)}
	return ref, nil
}

func (r *Runtime) Execute(ctx context.Context, ref string, payload []byte) (*sandbox.Outcome, error) {
	if r.ExecDelay > 0 {
		select {
		case <-time.After(r.ExecDelay):
		case <-ctx.Done():
			return nil, &sandbox.ExecutionError{Op: "execute", Ref: ref, Err: ctx.Err()}
		}
	}

	r.mu.Lock()
	r.execCalls++
	r.payloads = append(r.payloads, string(payload))
	env, ok := r.envs[ref]
	if ok {
		env.Execs++
	}
	r.mu.Unlock()
	if !ok {
		return nil, &sandbox.ExecutionError{Op: "execute", Ref: ref, Err: sandbox.ErrEnvironmentGone}
	}

	if r.Exec == nil {
		return &sandbox.Outcome{}, nil
	}
	return r.Exec(env, string(payload))
}

func (r *Runtime) ListWorkspace(ctx context.Context, ref string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ListErr != nil {
		return nil, &sandbox.ExecutionError{Op: "list workspace", Ref: ref, Err: r.ListErr}
	}
	env, ok := r.envs[ref]
	if !ok {
		return nil, &sandbox.ExecutionError{Op: "list workspace", Ref: ref, Err: sandbox.ErrEnvironmentGone}
	}
	names := make([]string, 0, len(env.Files))
	for name := range env.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runtime) DestroyEnvironment(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys = append(r.destroys, ref)
	if r.DestroyErr != nil {
		return &sandbox.DestroyError{Ref: ref, Err: r.DestroyErr}
	}
	delete(r.envs, ref)
	return nil
}

// Kill makes an environment vanish without going through the runtime, as if
// the container had crashed.
func (r *Runtime) Kill(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, ref)
}

func (r *Runtime) Alive(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.envs[ref]
	return ok
}

func (r *Runtime) Creates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

func (r *Runtime) ExecCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execCalls
}

func (r *Runtime) Destroyed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroys...)
}

func (r *Runtime) Payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

var _ sandbox.Runtime = (*Runtime)(nil)

// ErrUnreachable is a convenience error for failure injection.
var ErrUnreachable = errors.New("runtime unreachable")
