package archive

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/PartitionBackup/internal/tools"
)

// SevenZipTimeout bounds one external compression run.
const SevenZipTimeout = 30 * time.Minute

// SevenZip compresses through an external 7z executable.
type SevenZip struct {
	path    string
	runner  *tools.Registry
	timeout time.Duration
}

// NewSevenZip returns a SevenZip using the executable at path.
func NewSevenZip(path string, runner *tools.Registry) *SevenZip {
	if runner == nil {
		runner = tools.NewRegistry()
	}
	return &SevenZip{path: path, runner: runner, timeout: SevenZipTimeout}
}

func (s *SevenZip) Name() string { return "7z" }

// Compress runs `7z a -tzip <dest> <folder>` from the folder's parent so
// entries carry the folder name.
func (s *SevenZip) Compress(ctx context.Context, sourceDir, dest string) error {
	if s == nil || !tools.FileExists(s.path) {
		return errors.New("7z executable not available")
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", dest)
	}
	absSrc, err := filepath.Abs(sourceDir)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", sourceDir)
	}
	out, code, err := s.runner.Output(ctx, s.timeout, s.path, "a", "-tzip", "-y", absDest, absSrc)
	if err != nil {
		return errors.Wrap(err, "7z")
	}
	if code != 0 {
		return errors.Errorf("7z exited %d: %s", code, lastLine(out))
	}
	return nil
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
