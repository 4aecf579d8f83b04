//go:build windows

package service

import (
	"fmt"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// WindowsManager issues verbs through the Service Control Manager. Each call
// opens a fresh SCM connection; the reconciler's pipeline is synchronous and
// slow-moving, so connection reuse buys nothing.
type WindowsManager struct{}

func newManager() Manager { return WindowsManager{} }

func (WindowsManager) State(name string) (State, error) {
	m, err := mgr.Connect()
	if err != nil {
		return StateUnknown, fmt.Errorf("connecting to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return StateUnknown, fmt.Errorf("opening service '%s': %w", name, err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return StateUnknown, fmt.Errorf("querying service '%s': %w", name, err)
	}
	return fromSCMState(status.State), nil
}

func (WindowsManager) Stop(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("opening service '%s': %w", name, err)
	}
	defer s.Close()

	if _, err := s.Control(svc.Stop); err != nil {
		return fmt.Errorf("sending stop to service '%s': %w", name, err)
	}
	return nil
}

func (WindowsManager) Start(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connecting to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("opening service '%s': %w", name, err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("starting service '%s': %w", name, err)
	}
	return nil
}

// fromSCMState collapses SCM states onto the three the reconciler acts on.
// Pending transitions read as UNKNOWN so callers keep polling.
func fromSCMState(s svc.State) State {
	switch s {
	case svc.Running:
		return StateRunning
	case svc.Stopped:
		return StateStopped
	default:
		return StateUnknown
	}
}
