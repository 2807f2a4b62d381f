package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/httprunner/PartitionBackup/internal/config"
	"github.com/httprunner/PartitionBackup/pkg/storage"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent backup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(rootProfile)
			if err != nil {
				return err
			}
			history, err := storage.OpenHistory(settings.HistoryDB)
			if err != nil {
				return err
			}
			defer history.Close()

			records, err := history.Recent(cmd.Context(), rootSerial, flagLimit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println(yellow.Sprint("no backup recorded yet"))
				return nil
			}
			for _, rec := range records {
				line := fmt.Sprintf("%s  %-16s %-10s ok=%d failed=%d  %4ds",
					rec.FinishedAt.Local().Format("2006-01-02 15:04:05"),
					rec.Serial,
					stateColor(rec.State).Sprint(rec.State),
					len(rec.Succeeded), len(rec.Failed), rec.ElapsedSeconds())
				if rec.FinalArtifactPath != "" {
					line += "  " + rec.FinalArtifactPath
				}
				if rec.Error != "" {
					line += "  " + red.Sprint(strings.TrimSpace(rec.Error))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "最多显示的记录数")
	return cmd
}
