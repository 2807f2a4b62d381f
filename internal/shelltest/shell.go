// Package shelltest provides a scripted partbackup.RemoteShell for tests.
package shelltest

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	partbackup "github.com/httprunner/PartitionBackup"
)

// Shell simulates a device reachable over adb. The zero value is not
// usable; start from New.
type Shell struct {
	mu sync.Mutex

	Serial  string
	Mode    partbackup.Mode
	ToolErr error
	Root    bool
	Model   string
	// Tables maps a by-name directory to its entries (ls -1 output lines).
	Tables map[string][]string
	// Wildcards maps an `ls -d` pattern to its raw output.
	Wildcards map[string]string
	// DD overrides the outcome of imaging a partition.
	DD map[string]partbackup.CommandOutcome
	// PullErr fails the pull of a partition.
	PullErr map[string]error
	RmFail  bool

	// OnImage and OnPull run after the respective step of a partition.
	OnImage func(name string)
	OnPull  func(name string)

	Commands []string
	Imaged   []string
	Pulled   []string
	Removed  []string
}

// New returns a rooted device in system mode exposing partitions under
// /dev/block/by-name.
func New(partitions ...string) *Shell {
	return &Shell{
		Serial: "FAKE0001",
		Mode:   partbackup.ModeSystem,
		Root:   true,
		Model:  "Pixel 7",
		Tables: map[string][]string{
			"/dev/block/by-name": partitions,
		},
		Wildcards: map[string]string{},
		DD:        map[string]partbackup.CommandOutcome{},
		PullErr:   map[string]error{},
	}
}

func (s *Shell) CheckTool() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ToolErr
}

func (s *Shell) DetectMode(_ context.Context, serial string) (partbackup.DeviceHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if serial != "" && serial != s.Serial {
		return partbackup.DeviceHandle{Serial: serial, Mode: partbackup.ModeNone}, nil
	}
	return partbackup.DeviceHandle{Serial: s.Serial, Mode: s.Mode}, nil
}

// SetMode changes the reported mode.
func (s *Shell) SetMode(m partbackup.Mode) {
	s.mu.Lock()
	s.Mode = m
	s.mu.Unlock()
}

func (s *Shell) Run(_ context.Context, _ string, command string, _ time.Duration) partbackup.CommandOutcome {
	s.mu.Lock()
	s.Commands = append(s.Commands, command)
	out, hook, name := s.respond(command)
	s.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return out
}

// respond must be called with mu held; the returned hook runs unlocked.
func (s *Shell) respond(command string) (partbackup.CommandOutcome, func(string), string) {
	switch {
	case command == "id":
		return ok("uid=2000(shell) gid=2000(shell)"), nil, ""
	case command == "su -c id":
		if !s.Root {
			return partbackup.CommandOutcome{Stdout: "/system/bin/sh: su: inaccessible or not found", ExitCode: 127}, nil, ""
		}
		return ok("uid=0(root) gid=0(root) groups=0(root)"), nil, ""
	case command == "getprop ro.product.model":
		return ok(s.Model), nil, ""
	case strings.HasPrefix(command, "ls -d "):
		pattern := strings.TrimSuffix(strings.TrimPrefix(command, "ls -d "), " 2>/dev/null")
		return ok(s.Wildcards[pattern]), nil, ""
	case strings.HasPrefix(command, "ls -1 "):
		dir := strings.TrimPrefix(command, "ls -1 ")
		entries, found := s.Tables[dir]
		if !found {
			return partbackup.CommandOutcome{Stdout: "ls: " + dir + ": No such file or directory", ExitCode: 1}, nil, ""
		}
		return ok(strings.Join(entries, "\n") + "\n"), nil, ""
	case strings.HasPrefix(command, "mkdir -p "):
		return ok(""), nil, ""
	case strings.HasPrefix(command, "rm -f "):
		staging := strings.TrimPrefix(command, "rm -f ")
		s.Removed = append(s.Removed, partitionFromStaging(staging))
		if s.RmFail {
			return partbackup.CommandOutcome{Stdout: "rm: " + staging + ": Read-only file system", ExitCode: 1}, nil, ""
		}
		return ok(""), nil, ""
	case strings.HasPrefix(command, "su -c 'dd if="):
		name := path.Base(strings.Fields(strings.TrimPrefix(command, "su -c 'dd if="))[0])
		s.Imaged = append(s.Imaged, name)
		if out, found := s.DD[name]; found {
			return out, s.OnImage, name
		}
		return ok("1024+0 records in\n1024+0 records out"), s.OnImage, name
	}
	return partbackup.CommandOutcome{Stdout: "sh: unknown command", ExitCode: 127}, nil, ""
}

func (s *Shell) Pull(_ context.Context, _ string, remotePath, localPath string, _ time.Duration) error {
	name := partitionFromStaging(remotePath)
	s.mu.Lock()
	s.Pulled = append(s.Pulled, name)
	pullErr := s.PullErr[name]
	hook := s.OnPull
	s.mu.Unlock()

	if pullErr == nil {
		if err := os.WriteFile(localPath, []byte("image:"+name), 0o644); err != nil {
			pullErr = errors.Wrap(err, "write pulled image")
		}
	}
	if hook != nil {
		hook(name)
	}
	return pullErr
}

// Snapshot returns copies of the recorded calls.
func (s *Shell) Snapshot() (commands, imaged, pulled, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Commands...),
		append([]string(nil), s.Imaged...),
		append([]string(nil), s.Pulled...),
		append([]string(nil), s.Removed...)
}

func ok(stdout string) partbackup.CommandOutcome {
	return partbackup.CommandOutcome{Stdout: stdout}
}

func partitionFromStaging(p string) string {
	base := path.Base(p)
	base = strings.TrimPrefix(base, "tmp_backup_")
	return strings.TrimSuffix(base, ".img")
}
