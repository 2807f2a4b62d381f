package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/archive"
	"github.com/httprunner/PartitionBackup/internal/config"
	"github.com/httprunner/PartitionBackup/internal/providers/adb"
	"github.com/httprunner/PartitionBackup/internal/providers/fastboot"
	"github.com/httprunner/PartitionBackup/internal/tools"
	"github.com/httprunner/PartitionBackup/pkg/feishu"
	"github.com/httprunner/PartitionBackup/pkg/storage"
	"github.com/httprunner/PartitionBackup/pkg/upload"
)

// app holds the process-wide wiring shared by every command.
type app struct {
	settings config.Settings
	runner   *tools.Registry
	adb      *adb.Provider
	monitor  *partbackup.DeviceMonitor
	probe    *partbackup.Probe
	packager *partbackup.Packager
	history  *storage.History
	recorder partbackup.JobRecorder
	uploader partbackup.Uploader
}

func newApp(ctx context.Context) (*app, error) {
	settings, err := config.Load(rootProfile)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, runner: tools.NewRegistry()}

	adbPath, err := tools.Locate(tools.ADB, settings.ADBPath)
	if err != nil {
		log.Warn().Err(err).Msg("adb executable not located")
	}
	a.adb, err = adb.NewDefault(ctx, adbPath, a.runner)
	if err != nil {
		return nil, err
	}

	a.monitor = partbackup.NewDeviceMonitor(a.adb, settings.DeviceAllowlist)

	detectors := []partbackup.ModeDetector{a.adb}
	if fastbootPath, err := tools.Locate(tools.Fastboot, settings.FastbootPath); err == nil {
		detectors = append(detectors, fastboot.NewDetector(fastbootPath, a.runner))
	} else {
		log.Debug().Err(err).Msg("fastboot executable not located, bootloader detection disabled")
	}
	a.probe = partbackup.NewProbe(settings.ProbeTimeout, detectors...)

	var compressors []partbackup.Compressor
	if sevenZip, err := tools.Locate(tools.SevenZip, settings.SevenZipPath); err == nil {
		compressors = append(compressors, archive.NewSevenZip(sevenZip, a.runner))
	}
	compressors = append(compressors, archive.NewZip())
	a.packager = partbackup.NewPackager(compressors...)

	var recorders partbackup.MultiRecorder
	if a.history, err = storage.OpenHistory(settings.HistoryDB); err != nil {
		log.Warn().Err(err).Msg("backup history disabled")
	} else {
		recorders = append(recorders, a.history)
	}
	reporter, err := feishu.NewReporterFromEnv()
	switch {
	case err == nil:
		recorders = append(recorders, reporter)
	case !errors.Is(err, feishu.ErrNotConfigured):
		log.Warn().Err(err).Msg("feishu reporting disabled")
	}
	a.recorder = recorders

	if s3cfg := upload.S3ConfigFromEnv(); s3cfg.Enabled() {
		uploader, err := upload.NewS3Uploader(ctx, s3cfg)
		if err != nil {
			log.Warn().Err(err).Msg("s3 upload disabled")
		} else {
			a.uploader = uploader
		}
	}
	return a, nil
}

// orchestrator builds the device tab for serial.
func (a *app) orchestrator(serial string) (*partbackup.Orchestrator, error) {
	cfg := partbackup.Config{
		Serial:        serial,
		Shell:         a.adb,
		Probe:         a.probe,
		Scanner:       partbackup.NewScanner(a.adb, a.settings.ScannerConfig()),
		Duplicator:    partbackup.NewDuplicator(a.adb, a.settings.DuplicatorConfig()),
		Packager:      a.packager,
		Risk:          partbackup.NewRiskPolicy(a.settings.RiskyPartitions),
		Recorder:      a.recorder,
		Uploader:      a.uploader,
		ShutdownGrace: a.settings.ShutdownGrace,
		OnShutdown:    a.shutdownHook,
	}
	return partbackup.NewOrchestrator(cfg)
}

// shutdownHook kills helper processes a worker left behind.
func (a *app) shutdownHook(ctx context.Context) {
	if n := a.runner.KillAll(); n > 0 {
		log.Warn().Int("killed", n).Msg("terminated leftover helper processes")
	}
	if !a.settings.KillADBOnExit {
		return
	}
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.adb.KillServer(killCtx); err != nil {
		log.Warn().Err(err).Msg("adb kill-server failed")
	}
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Warn().Err(err).Msg("close history database failed")
		}
	}
}
