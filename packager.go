package partbackup

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ArchiveExt is the extension of packaged backups.
const ArchiveExt = ".zip"

// Compressor packs sourceDir into the archive at dest. Entries are stored
// relative to the parent of sourceDir, so they carry the folder name.
type Compressor interface {
	Name() string
	Compress(ctx context.Context, sourceDir, dest string) error
}

// PackageOptions are the user-selected finalization steps.
type PackageOptions struct {
	Compress        bool `json:"compress"`
	GenerateScripts bool `json:"generate_scripts"`
}

// PackageRequest describes a finished duplication run to finalize.
type PackageRequest struct {
	OutDir    string
	JobName   string
	Succeeded []string
	Options   PackageOptions
}

// Folder is the local backup folder of the request.
func (r PackageRequest) Folder() string {
	return filepath.Join(r.OutDir, r.JobName)
}

// Archive is the archive path the request packages into.
func (r PackageRequest) Archive() string {
	return filepath.Join(r.OutDir, r.JobName+ArchiveExt)
}

// PackageOutcome reports what finalization produced. FinalPath is empty
// only when nothing succeeded.
type PackageOutcome struct {
	FinalPath      string
	Archived       bool
	ScriptsWritten bool
	Errors         []error
}

// Packager writes restore scripts and optionally compresses the backup
// folder, trying each compressor in order.
type Packager struct {
	compressors []Compressor
}

// NewPackager builds a Packager; compressors are tried in order until one
// succeeds.
func NewPackager(compressors ...Compressor) *Packager {
	kept := make([]Compressor, 0, len(compressors))
	for _, c := range compressors {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Packager{compressors: kept}
}

// Finalize never fails the job: script and compression problems are
// collected as PackagingFailed errors and the folder stays the artifact.
func (p *Packager) Finalize(ctx context.Context, scope *Scope, req PackageRequest) PackageOutcome {
	folder := req.Folder()
	var outcome PackageOutcome
	if len(req.Succeeded) == 0 {
		// only removes the folder when it is empty
		_ = os.Remove(folder)
		return outcome
	}
	outcome.FinalPath = folder

	if req.Options.GenerateScripts {
		if err := WriteRestoreScripts(folder, req.Succeeded); err != nil {
			scope.Warnf("generate restore scripts failed: %v", err)
			outcome.Errors = append(outcome.Errors, newError(KindPackagingFailed, "restore scripts", err))
		} else {
			outcome.ScriptsWritten = true
		}
	}

	if !req.Options.Compress {
		return outcome
	}
	if len(p.compressors) == 0 {
		outcome.Errors = append(outcome.Errors, newError(KindPackagingFailed, "no compressor configured", nil))
		return outcome
	}

	archive := req.Archive()
	scope.Logf("compressing backup into %s", archive)
	for _, c := range p.compressors {
		err := c.Compress(ctx, folder, archive)
		if err == nil {
			outcome.FinalPath = archive
			outcome.Archived = true
			if err := os.RemoveAll(folder); err != nil {
				log.Warn().Err(err).Str("folder", folder).Msg("remove backup folder after compression failed")
			}
			return outcome
		}
		scope.Warnf("%s compression failed: %v", c.Name(), err)
		outcome.Errors = append(outcome.Errors, newError(KindPackagingFailed, c.Name(), err))
		if rmErr := os.Remove(archive); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("archive", archive).Msg("remove partial archive failed")
		}
	}
	return outcome
}
