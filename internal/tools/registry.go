package tools

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned when a helper process exceeds its budget.
var ErrTimeout = errors.New("helper process timed out")

// Registry runs helper executables (fastboot, 7z, adb) and remembers the
// ones still alive so they can be killed on shutdown.
type Registry struct {
	mu    sync.Mutex
	procs map[*exec.Cmd]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[*exec.Cmd]struct{})}
}

// Output runs bin with args and returns its combined output and exit code.
// A non-zero exit is not an error; a start failure or timeout is, and the
// exit code is then -1.
func (r *Registry) Output(ctx context.Context, timeout time.Duration, bin string, args ...string) (string, int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	hideWindow(cmd)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return "", -1, errors.Wrapf(err, "start %s", bin)
	}
	r.track(cmd)
	err := cmd.Wait()
	r.untrack(cmd)

	out := buf.String()
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, -1, errors.Wrapf(ErrTimeout, "%s after %s", bin, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, errors.Wrapf(err, "run %s", bin)
	}
	return out, 0, nil
}

// KillAll terminates every tracked process and returns how many were
// signalled.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(r.procs))
	for cmd := range r.procs {
		cmds = append(cmds, cmd)
	}
	r.mu.Unlock()

	killed := 0
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err != nil {
			log.Debug().Err(err).Str("path", cmd.Path).Msg("kill helper process failed")
			continue
		}
		killed++
	}
	if killed > 0 {
		log.Info().Int("count", killed).Msg("killed helper processes")
	}
	return killed
}

// Running returns the number of tracked live processes.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *Registry) track(cmd *exec.Cmd) {
	r.mu.Lock()
	if r.procs == nil {
		r.procs = make(map[*exec.Cmd]struct{})
	}
	r.procs[cmd] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	delete(r.procs, cmd)
	r.mu.Unlock()
}
