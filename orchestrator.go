package partbackup

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/PartitionBackup/internal/archive"
)

// Uploader copies a finished archive off the host and returns where it
// landed.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Config wires an Orchestrator. Only Shell is required; the other
// components are derived from it when nil.
type Config struct {
	Serial     string
	Shell      RemoteShell
	Probe      *Probe
	Scanner    *Scanner
	Duplicator *Duplicator
	Packager   *Packager
	Risk       RiskPolicy
	Recorder   JobRecorder
	Uploader   Uploader
	Clock      func() time.Time

	ShutdownGrace time.Duration
	// OnShutdown runs after the grace period, typically to kill helper
	// processes left behind by a job that did not stop in time.
	OnShutdown  func(ctx context.Context)
	EventBuffer int
}

// Orchestrator is the per-device state machine that runs scan and backup
// jobs on background workers, one at a time.
type Orchestrator struct {
	cfg    Config
	slot   jobSlot
	events *eventQueue

	mu         sync.Mutex
	state      JobState
	partitions []string
	lastErr    error
	lastResult *BackupResult
	cancel     *CancelFlag
	done       chan struct{}

	closeOnce sync.Once
}

// NewOrchestrator validates cfg and fills in default components.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Shell == nil {
		return nil, errors.New("orchestrator requires a remote shell")
	}
	if cfg.Probe == nil {
		cfg.Probe = NewProbe(DefaultProbeTimeout, cfg.Shell)
	}
	if cfg.Scanner == nil {
		cfg.Scanner = NewScanner(cfg.Shell, ScannerConfig{})
	}
	if cfg.Duplicator == nil {
		cfg.Duplicator = NewDuplicator(cfg.Shell, DuplicatorConfig{})
	}
	if cfg.Packager == nil {
		cfg.Packager = NewPackager(archive.NewZip())
	}
	if cfg.Risk.risky == nil {
		cfg.Risk = NewRiskPolicy(nil)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		cfg:    cfg,
		events: newEventQueue(cfg.EventBuffer),
		state:  StateIdle,
		done:   done,
	}, nil
}

// Serial returns the serial the orchestrator is bound to; empty means the
// first attached device.
func (o *Orchestrator) Serial() string { return o.cfg.Serial }

// Events delivers log, progress, state and result notifications in order.
// The channel is closed by Shutdown.
func (o *Orchestrator) Events() <-chan Event { return o.events.out }

// State returns the current state.
func (o *Orchestrator) State() JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a job is running.
func (o *Orchestrator) Busy() bool { return o.slot.active() }

// Partitions returns the last scan classified by the risk policy with the
// default selection applied.
func (o *Orchestrator) Partitions() []PartitionRecord {
	o.mu.Lock()
	names := slices.Clone(o.partitions)
	o.mu.Unlock()
	return o.cfg.Risk.Classify(names)
}

// LastError returns the error of the most recent failed scan.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// LastResult returns a copy of the most recent backup result.
func (o *Orchestrator) LastResult() *BackupResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult.clone()
}

// Cancel asks the running job to stop at its next checkpoint. An imaging
// or pull call already in flight always runs to completion.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	flag := o.cancel
	o.mu.Unlock()
	if flag != nil && o.slot.active() {
		log.Info().Str("serial", o.cfg.Serial).Msg("cancellation requested")
		flag.Set()
	}
}

// Wait blocks until the current job, if any, has finished.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartScan starts a partition scan on a background worker.
func (o *Orchestrator) StartScan(ctx context.Context) error {
	if err := o.slot.acquire(); err != nil {
		return err
	}
	flag, done := o.beginJob()
	o.setState(StateScanning)

	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)

		var names []string
		var g errgroup.Group
		goSafe(wctx, &g, "partition scan", func(ctx context.Context) (err error) {
			names, err = o.runScan(ctx, flag)
			return err
		})
		state := o.finishScan(names, g.Wait())
		o.setState(state)
		o.slot.release()
	}()
	return nil
}

// Scan runs a scan and waits for it.
func (o *Orchestrator) Scan(ctx context.Context) ([]PartitionRecord, error) {
	if err := o.StartScan(ctx); err != nil {
		return nil, err
	}
	if err := o.Wait(ctx); err != nil {
		return nil, err
	}
	if err := o.LastError(); err != nil {
		return nil, err
	}
	return o.Partitions(), nil
}

func (o *Orchestrator) runScan(ctx context.Context, flag *CancelFlag) ([]string, error) {
	scope := NewScope("", o.cfg.Serial, o.events.push, flag)
	handle, err := o.cfg.Probe.RequireSystem(ctx, o.cfg.Serial)
	if err != nil {
		return nil, err
	}
	return o.cfg.Scanner.Scan(ctx, scope, handle)
}

// finishScan stores the scan outcome and returns the state to enter.
func (o *Orchestrator) finishScan(names []string, err error) JobState {
	if err != nil {
		names = nil
	}
	o.mu.Lock()
	o.partitions = names
	o.lastErr = err
	o.mu.Unlock()

	switch {
	case err == nil:
		o.events.push(Event{
			Kind:       EventScan,
			Serial:     o.cfg.Serial,
			Time:       o.cfg.Clock(),
			Partitions: o.cfg.Risk.Classify(names),
		})
		return StateAwaitingSelection
	case IsKind(err, KindUserCancelled):
		return StateIdle
	default:
		log.Error().Err(err).Str("serial", o.cfg.Serial).Msg("partition scan failed")
		o.events.push(Event{Kind: EventLog, Serial: o.cfg.Serial, Time: o.cfg.Clock(),
			Level: "error", Message: err.Error()})
		return StateFailed
	}
}

// StartBackup validates req against the last scan, re-probes the device
// and starts the backup on a background worker. Validation failures leave
// the device untouched.
func (o *Orchestrator) StartBackup(ctx context.Context, req BackupRequest) (*BackupJob, error) {
	if err := o.slot.acquire(); err != nil {
		return nil, err
	}
	handle, err := o.validateBackup(ctx, req)
	if err != nil {
		o.slot.release()
		return nil, err
	}
	job := NewBackupJob(handle.Serial, req, o.cfg.Clock())
	flag, done := o.beginJob()
	o.setState(StateBackingUp)
	log.Info().Str("job_id", job.ID).Str("serial", job.Serial).Strs("partitions", job.Partitions).
		Str("target_dir", job.TargetDir).Msg("backup started")

	wctx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)

		res := &BackupResult{JobID: job.ID, Serial: job.Serial, State: StateBackingUp, StartedAt: o.cfg.Clock()}
		defer func() {
			o.setState(res.State)
			o.slot.release()
		}()

		var g errgroup.Group
		goSafe(wctx, &g, "partition backup", func(ctx context.Context) error {
			return o.runBackup(ctx, job, handle, flag, res)
		})
		if err := g.Wait(); err != nil {
			res.fail(err)
		}
		o.finishBackup(wctx, job, res)
	}()
	return job, nil
}

// Backup runs a backup and waits for its result.
func (o *Orchestrator) Backup(ctx context.Context, req BackupRequest) (*BackupResult, error) {
	if _, err := o.StartBackup(ctx, req); err != nil {
		return nil, err
	}
	if err := o.Wait(ctx); err != nil {
		return nil, err
	}
	return o.LastResult(), nil
}

func (o *Orchestrator) validateBackup(ctx context.Context, req BackupRequest) (DeviceHandle, error) {
	o.mu.Lock()
	scanned := slices.Clone(o.partitions)
	o.mu.Unlock()

	if len(scanned) == 0 {
		return DeviceHandle{}, newError(KindInvalidRequest, "scan partitions before starting a backup", nil)
	}
	if len(req.Partitions) == 0 {
		return DeviceHandle{}, newError(KindInvalidRequest, "no partitions selected", nil)
	}
	seen := make(map[string]struct{}, len(req.Partitions))
	for _, name := range req.Partitions {
		if err := ValidatePartitionName(name); err != nil {
			return DeviceHandle{}, err
		}
		if _, dup := seen[name]; dup {
			return DeviceHandle{}, newError(KindInvalidRequest, "partition selected twice: "+name, nil)
		}
		seen[name] = struct{}{}
		if _, found := slices.BinarySearch(scanned, name); !found {
			return DeviceHandle{}, newError(KindInvalidRequest, "partition not found in last scan: "+name, nil)
		}
	}
	if err := checkWritableDir(req.TargetDir); err != nil {
		return DeviceHandle{}, err
	}
	return o.cfg.Probe.RequireSystem(ctx, o.cfg.Serial)
}

func checkWritableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return newError(KindInvalidRequest, "target directory is required", nil)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return newError(KindInvalidRequest, "target directory is not accessible", err)
	}
	if !info.IsDir() {
		return newError(KindInvalidRequest, "target is not a directory: "+dir, nil)
	}
	f, err := os.CreateTemp(dir, ".partbackup-*")
	if err != nil {
		return newError(KindInvalidRequest, "target directory is not writable", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func (o *Orchestrator) runBackup(ctx context.Context, job *BackupJob, handle DeviceHandle, flag *CancelFlag, res *BackupResult) error {
	scope := NewScope(job.ID, job.Serial, o.events.push, flag)

	sourceDir, _, err := o.cfg.Scanner.Locate(ctx, scope, handle)
	if err != nil {
		if IsKind(err, KindUserCancelled) {
			res.Cancelled = true
			res.State = StateCancelled
			return nil
		}
		return err
	}
	res.Model = o.deviceModel(ctx, handle)
	res.JobName, err = CreateJobFolder(job.TargetDir, BackupFolderName(res.Model, res.StartedAt))
	if err != nil {
		return err
	}
	folder := filepath.Join(job.TargetDir, res.JobName)
	scope.Logf("backing up %d partitions from %s into %s", len(job.Partitions), sourceDir, folder)

	total := len(job.Partitions)
	for i, name := range job.Partitions {
		if flag.IsSet() {
			res.Cancelled = true
			break
		}
		scope.Progress(i+1, total, name)
		if err := o.cfg.Duplicator.Duplicate(ctx, scope, handle, name, sourceDir, folder); err != nil {
			if IsKind(err, KindUserCancelled) {
				res.Cancelled = true
				break
			}
			scope.Warnf("backup of %s failed: %v", name, err)
			res.recordFailure(name, err)
			continue
		}
		res.Succeeded = append(res.Succeeded, name)
	}

	if res.Cancelled || flag.IsSet() {
		res.Cancelled = true
		res.State = StateCancelled
		if len(res.Succeeded) > 0 {
			res.FinalArtifactPath = folder
		} else {
			_ = os.Remove(folder)
		}
		scope.Logf("backup cancelled, %d of %d partitions saved", len(res.Succeeded), total)
		return nil
	}

	outcome := o.cfg.Packager.Finalize(ctx, scope, PackageRequest{
		OutDir:    job.TargetDir,
		JobName:   res.JobName,
		Succeeded: res.Succeeded,
		Options:   job.Options,
	})
	res.FinalArtifactPath = outcome.FinalPath
	res.Archived = outcome.Archived
	res.State = StateCompleted

	if outcome.Archived && o.cfg.Uploader != nil {
		location, err := o.cfg.Uploader.Upload(ctx, outcome.FinalPath)
		if err != nil {
			scope.Warnf("upload %s failed: %v", outcome.FinalPath, err)
		} else {
			res.UploadLocation = location
			scope.Logf("uploaded to %s", location)
		}
	}
	if len(res.Succeeded) == 0 {
		scope.Warnf("backup finished but no partition was saved")
	} else {
		scope.Logf("backup finished, saved to %s", res.FinalArtifactPath)
	}
	return nil
}

// deviceModel reads ro.product.model for the folder name; failures yield
// an empty model which the folder name turns into "Unknown".
func (o *Orchestrator) deviceModel(ctx context.Context, handle DeviceHandle) string {
	const cmd = "getprop ro.product.model"
	out := o.cfg.Shell.Run(ctx, handle.Serial, cmd, DefaultStepTimeout)
	if !out.OK() {
		log.Debug().Err(out.Failure(cmd)).Str("serial", handle.Serial).Msg("read device model failed")
		return ""
	}
	for line := range Lines(out.Stdout) {
		return line
	}
	return ""
}

func (o *Orchestrator) finishBackup(ctx context.Context, job *BackupJob, res *BackupResult) {
	res.FinishedAt = o.cfg.Clock()
	if res.State == StateBackingUp {
		res.fail(errors.New("backup worker stopped without a result"))
	}
	if res.State == StateFailed {
		log.Error().Err(res.Err).Str("job_id", job.ID).Str("serial", job.Serial).Msg("backup failed")
	} else {
		log.Info().Str("job_id", job.ID).Str("serial", job.Serial).Str("state", string(res.State)).
			Strs("succeeded", res.Succeeded).Strs("failed", res.FailedPartitions()).
			Str("artifact", res.FinalArtifactPath).Msg("backup finished")
	}

	o.mu.Lock()
	o.lastResult = res.clone()
	o.mu.Unlock()

	o.record(ctx, job, res)

	o.events.push(Event{Kind: EventResult, JobID: job.ID, Serial: job.Serial, Time: res.FinishedAt, Result: res.clone()})
}

// record hands the result to the recorder. Recorder failures and panics
// are logged and never change the result.
func (o *Orchestrator) record(ctx context.Context, job *BackupJob, res *BackupResult) {
	recCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rec := NewJobRecord(job, res)
	var g errgroup.Group
	goSafe(recCtx, &g, "job recorder", func(ctx context.Context) error {
		return o.cfg.Recorder.RecordResult(ctx, rec)
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("record backup result failed")
	}
}

// Shutdown cancels the running job, waits up to the grace period for it,
// then runs the shutdown hook and closes the event stream. It never waits
// for an in-flight imaging call.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.Cancel()

	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	var err error
	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("serial", o.cfg.Serial).Dur("grace", o.cfg.ShutdownGrace).
			Msg("worker still running after shutdown grace period")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if o.cfg.OnShutdown != nil {
		o.cfg.OnShutdown(ctx)
	}
	o.closeOnce.Do(o.events.close)
	return err
}

func (o *Orchestrator) beginJob() (*CancelFlag, chan struct{}) {
	flag := &CancelFlag{}
	done := make(chan struct{})
	o.mu.Lock()
	o.cancel = flag
	o.done = done
	o.mu.Unlock()
	return flag, done
}

func (o *Orchestrator) setState(s JobState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.events.push(Event{Kind: EventState, Serial: o.cfg.Serial, Time: o.cfg.Clock(), State: s})
}
