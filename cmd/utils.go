package main

import (
	"cmp"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// prepareOutDir resolves the backup target directory, flag before profile,
// expanding a leading ~ and creating the directory when missing.
func prepareOutDir(flagOut, configured string) (string, error) {
	dir := cmp.Or(strings.TrimSpace(flagOut), strings.TrimSpace(configured))
	if dir == "" {
		return "", errors.New("output directory is not set, use --out or PARTBACKUP_OUT_DIR")
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") || strings.HasPrefix(dir, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "resolve home directory")
		}
		dir = filepath.Join(home, dir[1:])
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrap(err, "resolve output directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", errors.Wrapf(err, "create output directory %s", abs)
	}
	return abs, nil
}

// normalizeSelection trims partition names from --partitions and drops
// blanks and repeats, keeping the order given.
func normalizeSelection(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	result := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	return result
}
