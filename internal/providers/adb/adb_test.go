package adb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"

	partbackup "github.com/httprunner/PartitionBackup"
)

// stubDevice blocks dd until a pkill for it arrives and streams pulls
// until the destination stops accepting writes.
type stubDevice struct {
	mu       sync.Mutex
	commands []string

	killed   chan struct{}
	ddExited chan struct{}

	pullData    []byte
	pullRelease chan struct{}
	pullDone    chan struct{}
}

func newStubDevice() *stubDevice {
	return &stubDevice{
		killed:   make(chan struct{}),
		ddExited: make(chan struct{}),
		pullDone: make(chan struct{}),
	}
}

func (d *stubDevice) Serial() string { return "emulator-5554" }

func (d *stubDevice) RunShellCommand(cmd string, _ ...string) (string, error) {
	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.mu.Unlock()
	switch {
	case strings.Contains(cmd, "pkill"):
		close(d.killed)
		return exitMarker + "0\n", nil
	case strings.Contains(cmd, "dd if="):
		<-d.killed
		close(d.ddExited)
		return exitMarker + "143\n", nil
	default:
		return "ok\n" + exitMarker + "0\n", nil
	}
}

func (d *stubDevice) Pull(_ string, dest io.Writer) error {
	defer close(d.pullDone)
	if d.pullData != nil {
		if _, err := dest.Write(d.pullData); err != nil {
			return err
		}
		<-d.pullRelease
		return nil
	}
	chunk := bytes.Repeat([]byte{0xAB}, 4096)
	for {
		if _, err := dest.Write(chunk); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *stubDevice) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

func newStubProvider(dev *stubDevice) *Provider {
	p := New(gadb.Client{}, "", nil)
	p.lookup = func(string) (shellDevice, error) { return dev, nil }
	return p
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s did not happen", what)
	}
}

func waitRemoved(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s still exists", path)
}

func TestRunTimeoutKillsRemoteImaging(t *testing.T) {
	dev := newStubDevice()
	p := newStubProvider(dev)

	cmd := "su -c 'dd if=/dev/block/by-name/boot_a of=/sdcard/Download/boot_a.img'"
	out := p.Run(context.Background(), "", cmd, 50*time.Millisecond)
	if !out.TimedOut {
		t.Fatalf("expected timeout, got %+v", out)
	}
	select {
	case <-dev.ddExited:
	default:
		t.Fatalf("Run returned while the remote dd was still running")
	}
	cmds := dev.recorded()
	want := `su -c 'pkill -f "dd if=/dev/block/by-name/boot_a"'`
	if len(cmds) != 2 || !strings.HasPrefix(cmds[1], want) {
		t.Fatalf("commands = %q, want kill %q after dd", cmds, want)
	}
}

func TestRunTimeoutLeavesOtherCommandsAlone(t *testing.T) {
	if _, ok := imagingKillCommand("ls -1 /dev/block/by-name"); ok {
		t.Fatalf("listing must not produce a kill command")
	}
	if _, ok := imagingKillCommand(`su -c 'pkill -f "dd if=/x"'`); ok {
		t.Fatalf("kill command must not produce another kill command")
	}
}

func TestPullTimeoutStopsTransfer(t *testing.T) {
	dev := newStubDevice()
	p := newStubProvider(dev)
	local := filepath.Join(t.TempDir(), "super.img")

	err := p.Pull(context.Background(), "", "/sdcard/Download/super.img", local, 50*time.Millisecond)
	if !errors.Is(err, partbackup.ErrPullTimeout) {
		t.Fatalf("expected pull timeout, got %v", err)
	}
	waitClosed(t, dev.pullDone, "transfer stop")
	waitRemoved(t, local+".part")
	if _, err := os.Stat(local); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("image should not exist after timeout: %v", err)
	}
}

func TestPullFinishingAfterTimeoutLeavesNoPartFile(t *testing.T) {
	dev := newStubDevice()
	dev.pullData = []byte("boot image")
	dev.pullRelease = make(chan struct{})
	p := newStubProvider(dev)
	local := filepath.Join(t.TempDir(), "boot_a.img")

	err := p.Pull(context.Background(), "", "/sdcard/Download/boot_a.img", local, 50*time.Millisecond)
	if !errors.Is(err, partbackup.ErrPullTimeout) {
		t.Fatalf("expected pull timeout, got %v", err)
	}
	close(dev.pullRelease)
	waitClosed(t, dev.pullDone, "transfer return")
	waitRemoved(t, local+".part")
}

func TestPullRenamesCompletedTransfer(t *testing.T) {
	dev := newStubDevice()
	dev.pullData = []byte("boot image")
	dev.pullRelease = make(chan struct{})
	close(dev.pullRelease)
	p := newStubProvider(dev)
	local := filepath.Join(t.TempDir(), "boot_a.img")

	if err := p.Pull(context.Background(), "", "/sdcard/Download/boot_a.img", local, 5*time.Second); err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil || string(data) != "boot image" {
		t.Fatalf("image = %q, %v", data, err)
	}
	if _, err := os.Stat(local + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("part file left behind: %v", err)
	}
}
