package partbackup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// JobState is the state of a device tab's orchestrator.
type JobState string

const (
	StateIdle              JobState = "idle"
	StateScanning          JobState = "scanning"
	StateAwaitingSelection JobState = "awaiting_selection"
	StateBackingUp         JobState = "backing_up"
	StateCompleted         JobState = "completed"
	StateCancelled         JobState = "cancelled"
	StateFailed            JobState = "failed"
)

// Terminal reports whether s ends a backup job.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// BackupRequest is what the caller supplies to start a backup.
type BackupRequest struct {
	TargetDir  string         `json:"target_dir"`
	Partitions []string       `json:"partitions"`
	Options    PackageOptions `json:"options"`
}

// BackupJob is an accepted backup request. It is immutable once started.
type BackupJob struct {
	ID         string         `json:"id"`
	Serial     string         `json:"serial"`
	TargetDir  string         `json:"target_dir"`
	Partitions []string       `json:"partitions"`
	Options    PackageOptions `json:"options"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewBackupJob assigns a job id and takes a private copy of the selection.
func NewBackupJob(serial string, req BackupRequest, now time.Time) *BackupJob {
	return &BackupJob{
		ID:         uuid.NewString(),
		Serial:     serial,
		TargetDir:  req.TargetDir,
		Partitions: append([]string(nil), req.Partitions...),
		Options:    req.Options,
		CreatedAt:  now,
	}
}

// PartitionFailure records why one partition could not be duplicated.
type PartitionFailure struct {
	Name  string `json:"name"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BackupResult summarizes a backup job. A partition appears in at most one
// of Succeeded and Failed; both keep backup order.
type BackupResult struct {
	JobID             string             `json:"job_id"`
	Serial            string             `json:"serial"`
	Model             string             `json:"model,omitempty"`
	JobName           string             `json:"job_name,omitempty"`
	Succeeded         []string           `json:"succeeded"`
	Failed            []PartitionFailure `json:"failed"`
	FinalArtifactPath string             `json:"final_artifact_path,omitempty"`
	Archived          bool               `json:"archived"`
	UploadLocation    string             `json:"upload_location,omitempty"`
	Cancelled         bool               `json:"cancelled"`
	State             JobState           `json:"state"`
	Error             string             `json:"error,omitempty"`
	Err               error              `json:"-"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
}

// FailedPartitions returns the names of failed partitions in order.
func (r *BackupResult) FailedPartitions() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Failed))
	for _, f := range r.Failed {
		names = append(names, f.Name)
	}
	return names
}

func (r *BackupResult) recordFailure(name string, err error) {
	r.Failed = append(r.Failed, PartitionFailure{
		Name:  name,
		Kind:  string(KindOf(err)),
		Error: err.Error(),
		Err:   err,
	})
}

func (r *BackupResult) fail(err error) {
	r.State = StateFailed
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

func (r *BackupResult) clone() *BackupResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Succeeded = append([]string(nil), r.Succeeded...)
	c.Failed = append([]PartitionFailure(nil), r.Failed...)
	return &c
}

const folderTimeLayout = "20060102_150405"

var folderNameReplacer = strings.NewReplacer(" ", "_", "/", "_", `\`, "_", ":", "_")

// BackupFolderName returns "Backup_<model>_<yyyyMMdd_HHmmss>"; an empty
// model becomes "Unknown".
func BackupFolderName(model string, t time.Time) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = "Unknown"
	}
	return "Backup_" + folderNameReplacer.Replace(model) + "_" + t.Format(folderTimeLayout)
}

const maxFolderSuffix = 100

// CreateJobFolder creates a new folder named base under dir and returns
// the name used. A name already taken by a folder or by its archive gets
// a numeric suffix, so jobs started within the same second never share
// a folder or an archive.
func CreateJobFolder(dir, base string) (string, error) {
	for i := 1; i <= maxFolderSuffix; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		if _, err := os.Lstat(filepath.Join(dir, name+".zip")); err == nil {
			continue
		}
		err := os.Mkdir(filepath.Join(dir, name), 0o755)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", errors.Wrapf(err, "create backup folder %s", filepath.Join(dir, name))
		}
	}
	return "", errors.Errorf("no free backup folder name for %s in %s", base, dir)
}
