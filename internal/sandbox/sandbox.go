// Package sandbox is the gateway to the container runtime. It knows how to
// create, exec into, list and destroy an isolated environment and nothing
// about sessions or identities.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEnvironmentGone is wrapped by ExecutionError when the environment no
// longer exists or is not running.
var ErrEnvironmentGone = errors.New("environment gone")

// Runtime is the four-operation capability the rest of the service needs
// from a container backend.
type Runtime interface {
	CreateEnvironment(ctx context.Context) (string, error)
	Execute(ctx context.Context, ref string, payload []byte) (*Outcome, error)
	ListWorkspace(ctx context.Context, ref string) ([]string, error)
	DestroyEnvironment(ctx context.Context, ref string) error
}

// Outcome is what a payload produced inside an environment. A non-zero exit
// code is a snippet failure, not an adapter error.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

func (o *Outcome) Succeeded() bool {
	return o.ExitCode == 0
}

// Diagnostic renders stderr and stdout for a failed run.
func (o *Outcome) Diagnostic() string {
	return fmt.Sprintf("%s\nSTDOUT:\n%s", o.Stderr, o.Stdout)
}

// ProvisioningError reports that a new environment could not be created.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision environment: %v", e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ExecutionError reports that the runtime could not run a command in an
// environment, because it is missing or unreachable.
type ExecutionError struct {
	Op  string
	Ref string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Op, e.Ref, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// DestroyError reports a failed teardown. It is only ever logged.
type DestroyError struct {
	Ref string
	Err error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy %s: %v", e.Ref, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }

// Config holds the hardening and resource settings applied to every
// environment a DockerSandbox creates.
type Config struct {
	Image           string
	RunCommand      []string
	Workdir         string
	MemoryLimitMb   int
	PidsLimit       int64
	WorkspaceSizeMb int
	NetworkDisabled bool
}
