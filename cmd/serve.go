package main

import (
	"cmp"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/server"
)

func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local control API",
		Long:  "Runs one device tab per serial behind a local HTTP API: scan, select, back up, cancel and poll status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(sigCtx)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := os.MkdirAll(a.settings.OutDir, 0o755); err != nil {
				return errors.Wrapf(err, "create output directory %s", a.settings.OutDir)
			}

			cfg := server.Config{
				Factory: a.orchestrator,
				Probe:   a.probe,
				Devices: a.monitor,
				OutDir:  a.settings.OutDir,
				Defaults: partbackup.PackageOptions{
					Compress:        a.settings.Compress,
					GenerateScripts: a.settings.GenerateScripts,
				},
			}
			if a.history != nil {
				cfg.History = a.history
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			addr := cmp.Or(strings.TrimSpace(flagListen), a.settings.ListenAddr)
			log.Info().Str("addr", addr).Str("out_dir", a.settings.OutDir).Msg("partbackup control api starting")
			return srv.Run(sigCtx, addr)
		},
	}
	cmd.Flags().StringVar(&flagListen, "listen", "", "监听地址，覆盖 PARTBACKUP_LISTEN")
	return cmd
}
