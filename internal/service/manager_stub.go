//go:build !windows

package service

// UnsupportedManager stands in on platforms without a service control
// manager. Every verb fails with ErrUnsupported.
type UnsupportedManager struct{}

func newManager() Manager { return UnsupportedManager{} }

func (UnsupportedManager) State(string) (State, error) { return StateUnknown, ErrUnsupported }
func (UnsupportedManager) Stop(string) error           { return ErrUnsupported }
func (UnsupportedManager) Start(string) error          { return ErrUnsupported }
