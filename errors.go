package internalblue

import "fmt"

// Sentinel errors, in the teacher's error.go style: package-level
// fmt.Errorf values meant to be compared with errors.Is.
var (
	ErrNotConnected            = fmt.Errorf("internalblue: not connected, call Connect() first")
	ErrAlreadyConnected        = fmt.Errorf("internalblue: already connected, call Shutdown() first")
	ErrBridgeSetupFailed       = fmt.Errorf("internalblue: bridge port forwarding setup failed")
	ErrNoSnoopHeader           = fmt.Errorf("internalblue: could not read snoop header from device")
	ErrCommandTimeout          = fmt.Errorf("internalblue: command timed out waiting for response")
	ErrInvalidConnectionNumber = fmt.Errorf("internalblue: connection number out of bounds")
	ErrInvalidPatchLength      = fmt.Errorf("internalblue: rom patch must be exactly 4 bytes")
	ErrPatchTableFull          = fmt.Errorf("internalblue: no free patchram slots")
	ErrMonitorAlreadyRunning   = fmt.Errorf("internalblue: monitor already running")
	ErrMonitorNotRunning       = fmt.Errorf("internalblue: monitor not running")
	ErrCommandStatusNonZero    = fmt.Errorf("internalblue: controller returned a non-zero status")
)
