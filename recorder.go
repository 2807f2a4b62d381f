package partbackup

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JobRecord is the persisted summary of one finished backup job.
type JobRecord struct {
	JobID             string
	Serial            string
	Model             string
	Host              string
	TargetDir         string
	State             string
	FinalArtifactPath string
	UploadLocation    string
	Error             string
	Succeeded         []string
	Failed            []string
	Compress          bool
	GenerateScripts   bool
	StartedAt         time.Time
	FinishedAt        time.Time
}

// ElapsedSeconds returns the wall time the job took.
func (r JobRecord) ElapsedSeconds() int64 {
	if r.StartedAt.IsZero() || r.FinishedAt.Before(r.StartedAt) {
		return 0
	}
	return int64(r.FinishedAt.Sub(r.StartedAt) / time.Second)
}

// JobRecorder receives one callback per terminal backup job.
type JobRecorder interface {
	RecordResult(ctx context.Context, rec JobRecord) error
}

// MultiRecorder fans a record out to every recorder and joins their errors.
type MultiRecorder []JobRecorder

func (m MultiRecorder) RecordResult(ctx context.Context, rec JobRecord) error {
	var msgs []string
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordResult(ctx, rec); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("record job %s: %s", rec.JobID, strings.Join(msgs, "; "))
	}
	return nil
}

type noopRecorder struct{}

func (noopRecorder) RecordResult(context.Context, JobRecord) error { return nil }

// NewJobRecord summarizes a finished job for recorders.
func NewJobRecord(job *BackupJob, res *BackupResult) JobRecord {
	rec := JobRecord{Host: hostIdentity()}
	if job != nil {
		rec.JobID = job.ID
		rec.Serial = job.Serial
		rec.TargetDir = job.TargetDir
		rec.Compress = job.Options.Compress
		rec.GenerateScripts = job.Options.GenerateScripts
	}
	if res != nil {
		rec.Model = res.Model
		rec.State = string(res.State)
		rec.FinalArtifactPath = res.FinalArtifactPath
		rec.UploadLocation = res.UploadLocation
		rec.Succeeded = append([]string(nil), res.Succeeded...)
		rec.Failed = res.FailedPartitions()
		rec.StartedAt = res.StartedAt
		rec.FinishedAt = res.FinishedAt
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
	}
	return rec
}
