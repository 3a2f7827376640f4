package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/itstheanurag/sessionbox/internal/journal"
	"github.com/itstheanurag/sessionbox/internal/languages"
	"github.com/itstheanurag/sessionbox/internal/metrics"
	"github.com/itstheanurag/sessionbox/internal/sandbox"
	"github.com/itstheanurag/sessionbox/internal/session"
)

const (
	StatusSuccess      = "success"
	StatusValidation   = "validation_error"
	StatusProvisioning = "provisioning_error"
	StatusRuntime      = "runtime_error"
	StatusTimeout      = "timeout"
	StatusSnippet      = "snippet_error"
	StatusCancelled    = "cancelled"
)

const destroyTimeout = 30 * time.Second

type Request struct {
	Identity string
	Code     string
	Data     map[string]any
}

// Result is always well formed: Result is JSON null whenever Error is set.
type Result struct {
	Result           json.RawMessage `json:"result"`
	WorkspaceListing []string        `json:"workspace_listing"`
	Error            string          `json:"error,omitempty"`

	Status string `json:"-"`
	TimeMs int64  `json:"-"`
}

// ValidationError reports a malformed request. It is returned before the
// registry or the runtime is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Config struct {
	// ExecTimeout bounds the runtime work of one request, retry included.
	ExecTimeout time.Duration
	Journal     journal.Recorder
}

type Executor struct {
	registry *session.Registry
	runtime  sandbox.Runtime
	language languages.Language
	cfg      Config
	logger   *zerolog.Logger
	tracer   trace.Tracer
}

func NewExecutor(
	registry *session.Registry,
	rt sandbox.Runtime,
	lang languages.Language,
	cfg Config,
	logger *zerolog.Logger,
) *Executor {
	if cfg.Journal == nil {
		cfg.Journal = journal.Nop
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = time.Minute
	}
	l := logger.With().Str("component", "executor").Logger()
	return &Executor{
		registry: registry,
		runtime:  rt,
		language: lang,
		cfg:      cfg,
		logger:   &l,
		tracer:   otel.Tracer("sessionbox/executor"),
	}
}

// Validate checks the shape of a request. The semantics of Code are never
// inspected.
func (e *Executor) Validate(req Request) error {
	if strings.TrimSpace(req.Identity) == "" {
		return &ValidationError{Field: "identity", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Code) == "" {
		return &ValidationError{Field: "code", Reason: "must not be empty"}
	}
	for name := range req.Data {
		if !e.language.Binder.ValidName(name) {
			return &ValidationError{Field: "data", Reason: fmt.Sprintf("%q is not a valid %s variable name", name, e.language.Name)}
		}
	}
	return nil
}

// Run executes one request against the identity's environment. Once the
// environment is leased the runtime work is detached from ctx: if the caller
// goes away the work completes in the background and the lease is released
// afterwards.
func (e *Executor) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("session.identity", req.Identity),
	))
	defer span.End()

	res := e.run(ctx, req)

	res.TimeMs = time.Since(start).Milliseconds()
	if res.WorkspaceListing == nil {
		res.WorkspaceListing = []string{}
	}
	span.SetAttributes(attribute.String("execution.status", res.Status))
	metrics.ExecutionsTotal.WithLabelValues(res.Status).Inc()
	metrics.ExecutionDuration.WithLabelValues("total").Observe(float64(res.TimeMs))
	return res
}

func (e *Executor) run(ctx context.Context, req Request) *Result {
	if err := e.Validate(req); err != nil {
		return failure(StatusValidation, err.Error())
	}

	payload, err := e.language.Binder.Build(req.Data, req.Code)
	if err != nil {
		return failure(StatusValidation, (&ValidationError{Field: "data", Reason: err.Error()}).Error())
	}

	acquireStart := time.Now()
	lease, err := e.registry.Acquire(ctx, req.Identity)
	metrics.ExecutionDuration.WithLabelValues("acquire").Observe(float64(time.Since(acquireStart).Milliseconds()))
	if err != nil {
		if ctx.Err() != nil {
			return failure(StatusCancelled, "request cancelled while waiting for the session")
		}
		if errors.Is(err, session.ErrClosed) {
			return failure(StatusCancelled, "service is shutting down")
		}
		e.logger.Error().Err(err).Str("identity", req.Identity).Msg("failed to provision environment")
		return failure(StatusProvisioning, fmt.Sprintf("could not create environment: %v", err))
	}
	e.onAcquired(ctx, req.Identity, lease)

	done := make(chan *Result, 1)
	go func() {
		done <- e.runLeased(context.WithoutCancel(ctx), req.Identity, payload, lease)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		e.logger.Warn().Str("identity", req.Identity).Msg("request cancelled, execution continues in background")
		return failure(StatusCancelled, "request cancelled before execution finished")
	}
}

// runLeased owns lease and always releases it.
func (e *Executor) runLeased(parent context.Context, identity string, payload []byte, lease *session.Lease) *Result {
	ctx, cancel := context.WithTimeout(parent, e.cfg.ExecTimeout)
	defer cancel()
	defer func() {
		if lease != nil {
			lease.Release()
		}
	}()

	var (
		out *sandbox.Outcome
		err error
	)
	for attempt := 1; ; attempt++ {
		ref := lease.Handle().RuntimeRef
		runStart := time.Now()
		out, err = e.runtime.Execute(ctx, ref, payload)
		metrics.ExecutionDuration.WithLabelValues("run").Observe(float64(time.Since(runStart).Milliseconds()))
		if err == nil {
			break
		}

		if ctx.Err() != nil {
			// the snippet may still be running inside; the environment is not reusable
			e.purge(parent, identity, ref, "execution timed out")
			return failure(StatusTimeout, fmt.Sprintf("execution timed out after %s", e.cfg.ExecTimeout))
		}

		var xerr *sandbox.ExecutionError
		if !errors.As(err, &xerr) || attempt > 1 {
			e.logger.Error().Err(err).Str("identity", identity).Int("attempt", attempt).Msg("execution failed")
			e.purge(parent, identity, ref, err.Error())
			return failure(StatusRuntime, fmt.Sprintf("execution failed: %v", err))
		}

		e.logger.Warn().Err(err).Str("identity", identity).Str("container", ref).Msg("environment lost, retrying on a fresh one")
		metrics.ExecutionRetries.Inc()
		e.purge(parent, identity, ref, err.Error())
		lease.Release()

		lease, err = e.registry.Acquire(ctx, identity)
		if errors.Is(err, session.ErrClosed) {
			return failure(StatusCancelled, "service is shutting down")
		}
		if err != nil {
			e.logger.Error().Err(err).Str("identity", identity).Msg("failed to provision environment for retry")
			return failure(StatusProvisioning, fmt.Sprintf("could not create environment: %v", err))
		}
		e.onAcquired(ctx, identity, lease)
	}

	ref := lease.Handle().RuntimeRef
	res := &Result{Status: StatusSuccess}
	if !out.Succeeded() {
		e.logger.Info().Str("identity", identity).Int("exit_code", out.ExitCode).Msg("snippet failed")
		res.Status = StatusSnippet
		res.Error = "error running code: " + out.Diagnostic()
	} else if raw, perr := languages.ExtractResult(out.Stdout); perr != nil {
		res.Status = StatusSnippet
		res.Error = fmt.Sprintf("%v\nraw output:\n%s", perr, out.Stdout)
	} else {
		res.Result = raw
	}

	listStart := time.Now()
	listing, err := e.runtime.ListWorkspace(ctx, ref)
	metrics.ExecutionDuration.WithLabelValues("list").Observe(float64(time.Since(listStart).Milliseconds()))
	if err != nil {
		e.logger.Warn().Err(err).Str("identity", identity).Msg("failed to list workspace")
		listing = []string{}
	}
	res.WorkspaceListing = listing

	// a failed snippet still proves the environment is responsive
	e.registry.Touch(identity)
	return res
}

// EndSession removes the identity and destroys its environment. It reports
// false when the identity is unknown.
func (e *Executor) EndSession(ctx context.Context, identity string) (bool, error) {
	h, ok := e.registry.Remove(identity)
	if !ok {
		return false, nil
	}
	metrics.SessionsRemoved.WithLabelValues("ended").Inc()
	metrics.ActiveSessions.Set(float64(e.registry.Len()))
	if h.RuntimeRef == "" {
		// still being created; the registry destroys it once creation returns
		e.record(ctx, journal.Event{Type: journal.EventEnded, Identity: identity, Detail: "ended during creation"})
		return true, nil
	}

	err := e.runtime.DestroyEnvironment(ctx, h.RuntimeRef)
	ev := journal.Event{Type: journal.EventEnded, Identity: identity, RuntimeRef: h.RuntimeRef}
	if err != nil {
		metrics.DestroyFailures.Inc()
		ev.Type, ev.Detail = journal.EventDestroyFailed, err.Error()
	}
	e.record(ctx, ev)
	return true, err
}

func (e *Executor) onAcquired(ctx context.Context, identity string, lease *session.Lease) {
	h := lease.Handle()
	if !lease.Created() {
		e.logger.Debug().Str("identity", identity).Str("container", h.RuntimeRef).Msg("reusing existing environment")
		return
	}
	e.logger.Info().Str("identity", identity).Str("container", h.RuntimeRef).Msg("created environment for session")
	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Set(float64(e.registry.Len()))
	e.record(ctx, journal.Event{Type: journal.EventCreated, Identity: identity, RuntimeRef: h.RuntimeRef})
}

// purge drops the identity's registry entry if it still points at ref and
// tears ref down. An entry created since for the same identity is left alone.
func (e *Executor) purge(ctx context.Context, identity, ref, reason string) {
	if e.registry.RemoveRef(identity, ref) {
		metrics.SessionsRemoved.WithLabelValues("purged").Inc()
		metrics.ActiveSessions.Set(float64(e.registry.Len()))
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := e.runtime.DestroyEnvironment(dctx, ref); err != nil {
		metrics.DestroyFailures.Inc()
		e.logger.Error().Err(err).Str("container", ref).Msg("failed to destroy purged environment")
	}
	e.record(ctx, journal.Event{Type: journal.EventPurged, Identity: identity, RuntimeRef: ref, Detail: reason})
}

func (e *Executor) record(ctx context.Context, ev journal.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := e.cfg.Journal.Record(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to record session event")
	}
}

func failure(status, msg string) *Result {
	return &Result{Status: status, Error: msg, WorkspaceListing: []string{}}
}
