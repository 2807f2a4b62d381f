package partbackup_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/pkg/errors"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/shelltest"
)

func scanWith(t *testing.T, fake *shelltest.Shell, scope *partbackup.Scope) ([]string, error) {
	t.Helper()
	scanner := partbackup.NewScanner(fake, partbackup.ScannerConfig{})
	handle := partbackup.DeviceHandle{Serial: fake.Serial, Mode: partbackup.ModeSystem}
	return scanner.Scan(context.Background(), scope, handle)
}

func TestScanReturnsSortedUniqueNames(t *testing.T) {
	fake := shelltest.New("vendor_boot", "boot_a", "boot_a", "ls: cannot access", "abl_a", "weird name")
	names, err := scanWith(t, fake, nil)
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	want := []string{"abl_a", "boot_a", "vendor_boot"}
	if !slices.Equal(names, want) {
		t.Fatalf("Scan = %v, want %v", names, want)
	}
	for _, name := range names {
		if name == "" || strings.ContainsAny(name, `/\`) {
			t.Fatalf("invalid name %q in scan result", name)
		}
	}
}

func TestScanWithoutRootFails(t *testing.T) {
	fake := shelltest.New("boot_a")
	fake.Root = false
	names, err := scanWith(t, fake, nil)
	if !partbackup.IsKind(err, partbackup.KindNoRootAccess) {
		t.Fatalf("expected NoRootAccess, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no names, got %v", names)
	}
	commands, _, _, _ := fake.Snapshot()
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, "ls ") {
			t.Fatalf("listed partitions without root: %s", cmd)
		}
	}
}

func TestScanMissingToolFails(t *testing.T) {
	fake := shelltest.New("boot_a")
	fake.ToolErr = errors.New("adb: executable file not found")
	_, err := scanWith(t, fake, nil)
	if !partbackup.IsKind(err, partbackup.KindToolMissing) {
		t.Fatalf("expected ToolMissing, got %v", err)
	}
}

func TestScanFallsBackToWildcardPath(t *testing.T) {
	fake := shelltest.New()
	fake.Tables = map[string][]string{
		"/dev/block/bootdevice/by-name":     {},
		"/dev/block/platform/soc.0/by-name": {"modem", "boot_b"},
	}
	fake.Wildcards["/dev/block/platform/*"] = "/dev/block/platform/soc.0\n/dev/block/platform/soc.1\n"

	names, err := scanWith(t, fake, nil)
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if !slices.Equal(names, []string{"boot_b", "modem"}) {
		t.Fatalf("Scan = %v", names)
	}
}

func TestScanNoTableIsPathNotFound(t *testing.T) {
	fake := shelltest.New()
	fake.Tables = map[string][]string{}
	_, err := scanWith(t, fake, nil)
	if !partbackup.IsKind(err, partbackup.KindPathNotFound) {
		t.Fatalf("expected PathNotFound, got %v", err)
	}
}

func TestScanLogsEveryTriedPath(t *testing.T) {
	fake := shelltest.New()
	fake.Tables = map[string][]string{}
	var messages []string
	scope := partbackup.NewScope("", fake.Serial, func(ev partbackup.Event) {
		if ev.Kind == partbackup.EventLog {
			messages = append(messages, ev.Message)
		}
	}, nil)

	if _, err := scanWith(t, fake, scope); !partbackup.IsKind(err, partbackup.KindPathNotFound) {
		t.Fatalf("expected PathNotFound, got %v", err)
	}
	want := []string{
		"trying /dev/block/bootdevice/by-name",
		"trying /dev/block/by-name",
		"trying /dev/block/platform/*/by-name: no match",
	}
	for _, w := range want {
		if !slices.Contains(messages, w) {
			t.Fatalf("log %q missing from %q", w, messages)
		}
	}
}

func TestScanHonoursCancellation(t *testing.T) {
	fake := shelltest.New("boot_a")
	flag := &partbackup.CancelFlag{}
	flag.Set()
	_, err := scanWith(t, fake, partbackup.NewScope("", fake.Serial, nil, flag))
	if !partbackup.IsKind(err, partbackup.KindUserCancelled) {
		t.Fatalf("expected UserCancelled, got %v", err)
	}
}

func TestLocateReturnsSourceDir(t *testing.T) {
	fake := shelltest.New("boot_a")
	scanner := partbackup.NewScanner(fake, partbackup.ScannerConfig{Paths: []string{"/missing", "/dev/block/by-name"}})
	dir, names, err := scanner.Locate(context.Background(), nil, partbackup.DeviceHandle{Serial: fake.Serial})
	if err != nil {
		t.Fatalf("Locate returned error: %v", err)
	}
	if dir != "/dev/block/by-name" || !slices.Equal(names, []string{"boot_a"}) {
		t.Fatalf("Locate = %s %v", dir, names)
	}
}
