//go:build !windows

package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestOutputReportsExitCode(t *testing.T) {
	r := NewRegistry()
	out, code, err := r.Output(context.Background(), 5*time.Second, "sh", "-c", "echo hello; echo oops >&2; exit 3")
	if err != nil {
		t.Fatalf("Output returned error: %v", err)
	}
	if code != 3 || !strings.Contains(out, "hello") || !strings.Contains(out, "oops") {
		t.Fatalf("Output = %q, %d", out, code)
	}
	if r.Running() != 0 {
		t.Fatalf("finished process still tracked")
	}
}

func TestOutputTimeout(t *testing.T) {
	r := NewRegistry()
	_, code, err := r.Output(context.Background(), 100*time.Millisecond, "sleep", "5")
	if !errors.Is(err, ErrTimeout) || code != -1 {
		t.Fatalf("expected timeout, got code=%d err=%v", code, err)
	}
}

func TestOutputMissingBinary(t *testing.T) {
	_, code, err := NewRegistry().Output(context.Background(), time.Second, "/nonexistent/partbackup-helper")
	if err == nil || code != -1 {
		t.Fatalf("expected start failure, got code=%d err=%v", code, err)
	}
}

func TestKillAllStopsTrackedProcesses(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = r.Output(context.Background(), 0, "sleep", "30")
	}()

	deadline := time.Now().Add(5 * time.Second)
	for r.Running() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("process never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := r.KillAll(); n != 1 {
		t.Fatalf("KillAll = %d, want 1", n)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("killed process did not exit")
	}
}

func TestLocateOverride(t *testing.T) {
	if _, err := Locate(ADB, "/nonexistent/adb"); err == nil {
		t.Fatalf("missing override should fail")
	}
	p, err := Locate("sh", "")
	if err != nil || p == "" {
		t.Fatalf("Locate(sh) = %q, %v", p, err)
	}
}
