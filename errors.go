package partbackup

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies failures of the backup pipeline.
type ErrorKind string

const (
	KindToolMissing         ErrorKind = "ToolMissing"
	KindWrongMode           ErrorKind = "WrongMode"
	KindNoRootAccess        ErrorKind = "NoRootAccess"
	KindPathNotFound        ErrorKind = "PathNotFound"
	KindRemoteCommandFailed ErrorKind = "RemoteCommandFailed"
	KindPullFailed          ErrorKind = "PullFailed"
	KindPackagingFailed     ErrorKind = "PackagingFailed"
	KindUserCancelled       ErrorKind = "UserCancelled"
	KindBusy                ErrorKind = "Busy"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
)

// CommandFailure refines KindRemoteCommandFailed.
type CommandFailure string

const (
	FailureNonZeroExit CommandFailure = "non_zero_exit"
	FailureTimeout     CommandFailure = "timeout"
	FailureTransport   CommandFailure = "transport"
)

// Error is the structured error returned by every pipeline phase.
type Error struct {
	Kind      ErrorKind
	Subtype   CommandFailure
	Partition string
	Mode      Mode
	Command   string
	ExitCode  int
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Subtype != "" {
		b.WriteString("(" + string(e.Subtype) + ")")
	}
	if e.Partition != "" {
		b.WriteString(" [" + e.Partition + "]")
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Kind == KindWrongMode && e.Mode != "" {
		fmt.Fprintf(&b, " (current mode: %s)", e.Mode)
	}
	if e.Subtype == FailureNonZeroExit {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause keeps github.com/pkg/errors.Cause walking through the taxonomy.
func (e *Error) Cause() error { return e.Err }

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not part of
// the taxonomy.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// withPartition tags err with the partition it happened on.
func withPartition(err error, name string) error {
	var e *Error
	if errors.As(err, &e) {
		tagged := *e
		tagged.Partition = name
		return &tagged
	}
	return &Error{Kind: KindRemoteCommandFailed, Partition: name, Err: err}
}
