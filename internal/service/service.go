// Package service controls the Windows services that wrap managed binaries.
// A thin Manager interface issues raw control verbs; the Controller adds the
// bounded wait-for-state semantics the reconciler depends on.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// State of a service as reported by the control manager. Pending transitions
// read as UNKNOWN; callers poll until the target state settles.
type State string

const (
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
	StateUnknown State = "UNKNOWN"
)

const (
	// DefaultTimeout bounds one stop or start transition.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is how often the controller re-queries state
	// while waiting for a transition.
	DefaultPollInterval = 500 * time.Millisecond
)

// ErrUnsupported is returned by the non-Windows manager. Tests inject fakes.
var ErrUnsupported = errors.New("service control is only supported on windows")

// Manager issues raw service-control verbs without waiting.
type Manager interface {
	State(name string) (State, error)
	Stop(name string) error
	Start(name string) error
}

// StopTimeoutError means a service did not reach STOPPED within its bound.
// The run must abort: a hung service mid-write is exactly the scenario the
// atomic swap protects against, so there is no force-kill.
type StopTimeoutError struct {
	Service string
	Timeout time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("service '%s' did not reach STOPPED within %s — refusing to force-kill", e.Service, e.Timeout)
}

// StartFailedError means a service could not be started or did not reach
// RUNNING within its bound. Downstream this triggers rollback of the swap
// just performed for the owning artifact.
type StartFailedError struct {
	Service string
	Err     error
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("service '%s' failed to start: %v", e.Service, e.Err)
}

func (e *StartFailedError) Unwrap() error { return e.Err }

var errWaitTimeout = errors.New("timed out waiting for service state")

// Controller wraps a Manager with polling and timeouts.
type Controller struct {
	Mgr          Manager
	Log          zerolog.Logger
	PollInterval time.Duration
}

// New builds a Controller over the platform's service manager.
func New(log zerolog.Logger) *Controller {
	return &Controller{Mgr: newManager(), Log: log, PollInterval: DefaultPollInterval}
}

// QueryState returns the service's current state without blocking. Errors
// from the manager read as UNKNOWN.
func (c *Controller) QueryState(name string) State {
	state, err := c.Mgr.State(name)
	if err != nil {
		c.Log.Debug().Str("service", name).Err(err).Msg("cannot query service state")
		return StateUnknown
	}
	return state
}

// Stop requests a stop and waits for STOPPED, bounded by timeout. A service
// already stopped is a no-op.
func (c *Controller) Stop(ctx context.Context, name string, timeout time.Duration) error {
	if c.QueryState(name) == StateStopped {
		c.Log.Debug().Str("service", name).Msg("service already stopped")
		return nil
	}

	c.Log.Info().Str("service", name).Msg("stopping service")
	if err := c.Mgr.Stop(name); err != nil {
		return fmt.Errorf("requesting stop of service '%s': %w", name, err)
	}

	if err := c.waitFor(ctx, name, StateStopped, timeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			return &StopTimeoutError{Service: name, Timeout: effectiveTimeout(timeout)}
		}
		return err
	}
	return nil
}

// Start requests a start and waits for RUNNING, bounded by timeout.
func (c *Controller) Start(ctx context.Context, name string, timeout time.Duration) error {
	if c.QueryState(name) == StateRunning {
		c.Log.Debug().Str("service", name).Msg("service already running")
		return nil
	}

	c.Log.Info().Str("service", name).Msg("starting service")
	if err := c.Mgr.Start(name); err != nil {
		return &StartFailedError{Service: name, Err: err}
	}

	if err := c.waitFor(ctx, name, StateRunning, timeout); err != nil {
		if errors.Is(err, errWaitTimeout) {
			return &StartFailedError{Service: name, Err: fmt.Errorf("did not reach RUNNING within %s", effectiveTimeout(timeout))}
		}
		return err
	}
	return nil
}

// waitFor polls until the service reaches the wanted state, the timeout
// lapses, or the operator cancels.
func (c *Controller) waitFor(ctx context.Context, name string, want State, timeout time.Duration) error {
	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(effectiveTimeout(timeout))
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		if c.QueryState(name) == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errWaitTimeout
		case <-tick.C:
		}
	}
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
