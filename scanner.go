package partbackup

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ScannerConfig tunes partition discovery.
type ScannerConfig struct {
	// Paths are the candidate by-name directories in probing order.
	Paths       []string
	StepTimeout time.Duration
	RootTimeout time.Duration
}

// Scanner discovers the partition name table of a rooted device.
type Scanner struct {
	shell RemoteShell
	cfg   ScannerConfig
}

// NewScanner builds a Scanner; zero config fields fall back to defaults.
func NewScanner(shell RemoteShell, cfg ScannerConfig) *Scanner {
	if len(cfg.Paths) == 0 {
		cfg.Paths = DefaultByNamePaths
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.RootTimeout <= 0 {
		cfg.RootTimeout = DefaultRootTimeout
	}
	cfg.Paths = append([]string(nil), cfg.Paths...)
	return &Scanner{shell: shell, cfg: cfg}
}

// Scan verifies root access and returns the sorted, de-duplicated partition
// names of the first by-name directory that lists successfully.
func (s *Scanner) Scan(ctx context.Context, scope *Scope, handle DeviceHandle) ([]string, error) {
	if err := s.shell.CheckTool(); err != nil {
		return nil, toolMissing(err)
	}
	if err := s.verifyRoot(ctx, scope, handle); err != nil {
		return nil, err
	}
	_, names, err := s.Locate(ctx, scope, handle)
	if err != nil {
		return nil, err
	}
	scope.Logf("found %d partitions", len(names))
	return names, nil
}

func (s *Scanner) verifyRoot(ctx context.Context, scope *Scope, handle DeviceHandle) error {
	scope.Logf("checking root access")
	if out := s.shell.Run(ctx, handle.Serial, "id", s.cfg.StepTimeout); out.Err != nil || out.TimedOut {
		return newError(KindNoRootAccess, "device did not answer identity query", out.Failure("id"))
	}
	out := s.shell.Run(ctx, handle.Serial, "su -c id", s.cfg.RootTimeout)
	if !out.OK() || !strings.Contains(out.Stdout, "uid=0") {
		return newError(KindNoRootAccess, "root access denied, grant su to the shell user", out.Failure("su -c id"))
	}
	return nil
}

// Locate walks the candidate directories and returns the first one that
// yields entries together with those entries. It is used both by scans and
// by backups re-resolving their source directory.
func (s *Scanner) Locate(ctx context.Context, scope *Scope, handle DeviceHandle) (string, []string, error) {
	for _, candidate := range s.cfg.Paths {
		if scope.Cancelled() {
			return "", nil, newError(KindUserCancelled, "scan cancelled", nil)
		}
		dir := candidate
		if strings.Contains(candidate, "*") {
			resolved, ok := s.resolveWildcard(ctx, handle, candidate)
			if !ok {
				scope.Logf("trying %s: no match", candidate)
				continue
			}
			dir = resolved
		}
		scope.Logf("trying %s", dir)
		names, err := s.list(ctx, scope, handle, dir)
		if err != nil {
			return "", nil, err
		}
		if len(names) > 0 {
			return dir, names, nil
		}
	}
	return "", nil, newError(KindPathNotFound, "no by-name partition table found", nil)
}

// resolveWildcard expands the segment containing '*' through the device
// shell and keeps the first match, re-attaching the remaining suffix.
func (s *Scanner) resolveWildcard(ctx context.Context, handle DeviceHandle, pattern string) (string, bool) {
	idx := strings.Index(pattern, "*")
	end := strings.Index(pattern[idx:], "/")
	base, suffix := pattern, ""
	if end >= 0 {
		base, suffix = pattern[:idx+end], pattern[idx+end:]
	}
	out := s.shell.Run(ctx, handle.Serial, "ls -d "+base+" 2>/dev/null", s.cfg.StepTimeout)
	if out.Err != nil || out.TimedOut {
		log.Debug().Err(out.Err).Bool("timed_out", out.TimedOut).Str("serial", handle.Serial).
			Str("pattern", base).Msg("resolve wildcard path failed")
		return "", false
	}
	for line := range Lines(out.Stdout) {
		if strings.Contains(line, "*") || strings.HasPrefix(line, "ls:") {
			return "", false
		}
		return path.Clean(line + suffix), true
	}
	return "", false
}

func (s *Scanner) list(ctx context.Context, scope *Scope, handle DeviceHandle, dir string) ([]string, error) {
	out := s.shell.Run(ctx, handle.Serial, "ls -1 "+dir, s.cfg.StepTimeout)
	if !out.OK() || out.Stdout == "" {
		return nil, nil
	}
	if strings.Contains(out.Stdout, "No such file") || strings.Contains(out.Stdout, "Permission denied") {
		return nil, nil
	}
	var names []string
	for line := range Lines(out.Stdout) {
		if scope.Cancelled() {
			return nil, newError(KindUserCancelled, "scan cancelled", nil)
		}
		if strings.HasPrefix(line, "ls:") || ValidatePartitionName(line) != nil {
			continue
		}
		names = append(names, line)
	}
	return normalizePartitions(names), nil
}

func toolMissing(err error) error {
	if IsKind(err, KindToolMissing) {
		return err
	}
	return newError(KindToolMissing, "device control tool is not available", err)
}
