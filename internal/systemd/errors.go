package systemd

import "fmt"

// NotInstalledError marks an operation against a unit systemd does not know.
type NotInstalledError struct {
	Unit string
}

func (e *NotInstalledError) Error() string {
	return fmt.Sprintf("unit %s is not installed", e.Unit)
}

// PermissionError marks an operation rejected by the service manager's
// access policy. Usually means the daemon is not running as root.
type PermissionError struct {
	Unit string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("unit %s: permission denied: %v", e.Unit, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// StartError marks a failed start or enable of a unit.
type StartError struct {
	Unit string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start unit %s: %v", e.Unit, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// StopError marks a failed stop of a unit.
type StopError struct {
	Unit string
	Err  error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop unit %s: %v", e.Unit, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}
