package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	partbackup "github.com/httprunner/PartitionBackup"
)

func newBackupCmd() *cobra.Command {
	var (
		flagOut        string
		flagPartitions []string
		flagAll        bool
		flagInvert     bool
		flagNoCompress bool
		flagNoScripts  bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up partitions and build the restore artifact",
		Long: "Scans the device, images the selected partitions one by one and writes fastboot restore scripts next to them, " +
			"optionally packaging everything into a zip. Ctrl-C stops after the partition in flight; press it again to abort.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(sigCtx)
			if err != nil {
				return err
			}
			defer a.Close()

			outDir, err := prepareOutDir(flagOut, a.settings.OutDir)
			if err != nil {
				return err
			}

			orch, err := a.orchestrator(rootSerial)
			if err != nil {
				return err
			}
			defer shutdown(orch)

			// the scan runs first so the selection can be validated
			records, err := scanQuietly(sigCtx, orch)
			if err != nil {
				return err
			}
			selection := flagPartitions
			if len(selection) == 0 {
				switch {
				case flagAll:
					partbackup.SelectAll(records)
				case flagInvert:
					partbackup.InvertSelection(records)
				}
				selection = partbackup.SelectedNames(records)
			}

			req := partbackup.BackupRequest{
				TargetDir:  outDir,
				Partitions: normalizeSelection(selection),
				Options: partbackup.PackageOptions{
					Compress:        a.settings.Compress && !flagNoCompress,
					GenerateScripts: a.settings.GenerateScripts && !flagNoScripts,
				},
			}
			job, err := orch.StartBackup(context.WithoutCancel(sigCtx), req)
			if err != nil {
				return err
			}
			go func() {
				<-sigCtx.Done()
				if orch.Busy() {
					log.Warn().Msg("stopping after the current partition, press Ctrl-C again to abort")
					orch.Cancel()
				}
				stop()
			}()

			res := watchBackup(orch, job)
			if res == nil {
				return errors.New("backup ended without a result")
			}
			printResult(res)
			switch {
			case res.State == partbackup.StateFailed:
				return errors.Errorf("backup failed: %s", res.Error)
			case res.State == partbackup.StateCompleted && len(res.Succeeded) == 0:
				return errors.New("backup completed but no partition was saved")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagOut, "out", "o", "", "输出目录，覆盖 PARTBACKUP_OUT_DIR")
	cmd.Flags().StringSliceVarP(&flagPartitions, "partitions", "p", nil, "要备份的分区（逗号分隔），默认选择非风险分区")
	cmd.Flags().BoolVar(&flagAll, "all", false, "选择全部分区（包括 userdata 等风险分区）")
	cmd.Flags().BoolVar(&flagInvert, "invert", false, "反选默认选择")
	cmd.Flags().BoolVar(&flagNoCompress, "no-compress", false, "不打包 zip，保留备份目录")
	cmd.Flags().BoolVar(&flagNoScripts, "no-scripts", false, "不生成 fastboot 恢复脚本")
	cmd.MarkFlagsMutuallyExclusive("all", "invert", "partitions")
	return cmd
}

// scanQuietly runs a scan while discarding its events, leaving the stream
// positioned after the scan for watchBackup.
func scanQuietly(ctx context.Context, orch *partbackup.Orchestrator) ([]partbackup.PartitionRecord, error) {
	if err := orch.StartScan(ctx); err != nil {
		return nil, err
	}
	for ev := range orch.Events() {
		if ev.Kind == partbackup.EventState && ev.State != partbackup.StateScanning {
			break
		}
	}
	if err := orch.Wait(ctx); err != nil {
		return nil, err
	}
	if err := orch.LastError(); err != nil {
		return nil, err
	}
	return orch.Partitions(), nil
}

// watchBackup renders progress until the job's result arrives.
func watchBackup(orch *partbackup.Orchestrator, job *partbackup.BackupJob) *partbackup.BackupResult {
	bar := progressbar.NewOptions(len(job.Partitions),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("backup"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	defer func() { _ = bar.Finish() }()

	for ev := range orch.Events() {
		if ev.JobID != job.ID {
			continue
		}
		switch ev.Kind {
		case partbackup.EventProgress:
			bar.Describe(ev.Partition)
			_ = bar.Set(ev.Current - 1)
		case partbackup.EventResult:
			_ = bar.Set(len(job.Partitions))
			return ev.Result
		}
	}
	return orch.LastResult()
}

func printResult(res *partbackup.BackupResult) {
	fmt.Println()
	fmt.Printf("%s %s\n", bold.Sprint("state:"), stateColor(string(res.State)).Sprint(res.State))
	if len(res.Succeeded) > 0 {
		fmt.Printf("%s %s\n", bold.Sprint("saved:"), green.Sprint(strings.Join(res.Succeeded, ", ")))
	}
	for _, f := range res.Failed {
		fmt.Printf("%s %s: %s\n", red.Sprint("failed:"), f.Name, f.Error)
	}
	if res.FinalArtifactPath != "" {
		fmt.Printf("%s %s\n", bold.Sprint("artifact:"), res.FinalArtifactPath)
	}
	if res.UploadLocation != "" {
		fmt.Printf("%s %s\n", bold.Sprint("uploaded:"), res.UploadLocation)
	}
}
