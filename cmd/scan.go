package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	partbackup "github.com/httprunner/PartitionBackup"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List the partitions of a rooted device",
		Long:  "Verifies root access, locates the by-name table and prints every partition with its default selection; risky partitions start unselected.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator(rootSerial)
			if err != nil {
				return err
			}
			defer shutdown(orch)
			go discardEvents(orch)

			records, err := orch.Scan(ctx)
			if err != nil {
				return err
			}
			printPartitions(records)
			return nil
		},
	}
}

func printPartitions(records []partbackup.PartitionRecord) {
	fmt.Println(bold.Sprintf("%d partitions", len(records)))
	for _, rec := range records {
		switch {
		case rec.Selected:
			fmt.Printf("  %s %s\n", green.Sprint("[x]"), rec.Name)
		case rec.Risky:
			fmt.Printf("  %s %s %s\n", yellow.Sprint("[ ]"), rec.Name, yellow.Sprint("(risky)"))
		default:
			fmt.Printf("  [ ] %s\n", rec.Name)
		}
	}
}

// discardEvents drains an orchestrator's stream for commands that only
// need the final result; the events are already logged by the workers.
func discardEvents(orch *partbackup.Orchestrator) {
	for range orch.Events() {
	}
}

func shutdown(orch *partbackup.Orchestrator) {
	if err := orch.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("orchestrator shutdown incomplete")
	}
}
