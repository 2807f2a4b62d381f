package partbackup

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// CommandOutcome is what one remote shell invocation produced. A timed-out
// or transport-failed call is never reported as success.
type CommandOutcome struct {
	Stdout   string
	ExitCode int
	TimedOut bool
	Err      error
}

// OK reports whether the command ran to completion with exit status zero.
func (o CommandOutcome) OK() bool {
	return o.Err == nil && !o.TimedOut && o.ExitCode == 0
}

// Failure converts a non-successful outcome into a RemoteCommandFailed
// error; it returns nil when the outcome is OK.
func (o CommandOutcome) Failure(command string) error {
	if o.OK() {
		return nil
	}
	e := &Error{Kind: KindRemoteCommandFailed, Command: command, ExitCode: o.ExitCode}
	switch {
	case o.TimedOut:
		e.Subtype = FailureTimeout
		e.Msg = "remote command timed out"
	case o.Err != nil:
		e.Subtype = FailureTransport
		e.Err = o.Err
	default:
		e.Subtype = FailureNonZeroExit
		e.Msg = lastLine(o.Stdout)
	}
	return e
}

// ModeDetector reports the mode of a device as seen by one transport. An
// empty serial selects the first attached device; ModeNone means the
// transport does not see the device at all.
type ModeDetector interface {
	DetectMode(ctx context.Context, serial string) (DeviceHandle, error)
}

// RemoteShell is the privileged, line-oriented command channel to the device.
type RemoteShell interface {
	ModeDetector
	// CheckTool fails when the device-control executable is unavailable.
	CheckTool() error
	Run(ctx context.Context, serial, command string, timeout time.Duration) CommandOutcome
	Pull(ctx context.Context, serial, remotePath, localPath string, timeout time.Duration) error
}

// ErrPullTimeout is returned by RemoteShell implementations when a pull does
// not finish within its budget.
var ErrPullTimeout = errors.New("pull timed out")

func lastLine(output string) string {
	last := ""
	for line := range Lines(output) {
		last = line
	}
	return last
}
