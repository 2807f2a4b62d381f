package partbackup

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// DuplicatorConfig tunes the on-device imaging step.
type DuplicatorConfig struct {
	StagingDir     string
	ImageTimeout   time.Duration
	CleanupTimeout time.Duration
}

// Duplicator copies one raw partition to the host through a staging file on
// the device.
type Duplicator struct {
	shell RemoteShell
	cfg   DuplicatorConfig
}

// NewDuplicator builds a Duplicator; zero config fields fall back to
// defaults.
func NewDuplicator(shell RemoteShell, cfg DuplicatorConfig) *Duplicator {
	if cfg.StagingDir == "" {
		cfg.StagingDir = DefaultStagingDir
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = DefaultImageTimeout
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Duplicator{shell: shell, cfg: cfg}
}

// StagingPath returns the on-device staging file for a partition. The name
// is deterministic so a rerun overwrites rather than accumulates.
func StagingPath(stagingDir, name string) string {
	return path.Join(stagingDir, stagingPrefix+name+imageSuffix)
}

// ImageFileName is the host-side file name of a partition image.
func ImageFileName(name string) string {
	return name + imageSuffix
}

// Duplicate images partition name from sourceDir into localDir. The staging
// file is removed on every path, including failures; removal errors are
// logged and never change the outcome.
func (d *Duplicator) Duplicate(ctx context.Context, scope *Scope, handle DeviceHandle, name, sourceDir, localDir string) (err error) {
	if err := ValidatePartitionName(name); err != nil {
		return withPartition(err, name)
	}
	staging := StagingPath(d.cfg.StagingDir, name)

	mkdir := "mkdir -p " + d.cfg.StagingDir
	if out := d.shell.Run(ctx, handle.Serial, mkdir, d.cfg.CleanupTimeout); !out.OK() {
		log.Warn().Err(out.Failure(mkdir)).Str("serial", handle.Serial).Msg("prepare staging dir failed")
	}
	defer d.cleanup(ctx, scope, handle, name, staging)

	scope.Logf("imaging %s", name)
	dd := fmt.Sprintf("su -c 'dd if=%s of=%s'", path.Join(sourceDir, name), staging)
	if out := d.shell.Run(ctx, handle.Serial, dd, d.cfg.ImageTimeout); !out.OK() {
		return withPartition(out.Failure(dd), name)
	}

	if scope.Cancelled() {
		return withPartition(newError(KindUserCancelled, "cancelled before pull", nil), name)
	}

	local := filepath.Join(localDir, ImageFileName(name))
	scope.Logf("pulling %s", name)
	if err := d.shell.Pull(ctx, handle.Serial, staging, local, d.cfg.ImageTimeout); err != nil {
		e := newError(KindPullFailed, "pull "+staging, err)
		e.Partition = name
		return e
	}
	scope.Logf("%s saved", ImageFileName(name))
	return nil
}

func (d *Duplicator) cleanup(ctx context.Context, scope *Scope, handle DeviceHandle, name, staging string) {
	rm := "rm -f " + staging
	out := d.shell.Run(context.WithoutCancel(ctx), handle.Serial, rm, d.cfg.CleanupTimeout)
	if !out.OK() {
		scope.Warnf("could not remove staging image for %s: %v", name, out.Failure(rm))
	}
}
