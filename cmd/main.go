package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/PartitionBackup/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "partbackup",
	Short: "Back up raw Android partitions over adb",
	Long:  `partbackup CLI 通过 adb 读取已 root 设备的 by-name 分区表，逐个分区 dd 到设备暂存区后拉取到本机，生成 fastboot 恢复脚本并可选打包为 zip；同时提供本地 HTTP 控制接口与备份历史查询。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootProfile  string
	rootSerial   string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootProfile, "profile", "", "YAML 配置文件，覆盖 PARTBACKUP_PROFILE")
	rootCmd.PersistentFlags().StringVarP(&rootSerial, "serial", "s", "", "设备序列号，默认第一个已连接设备")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "日志级别 (debug/info/warn/error)")
	rootCmd.AddCommand(
		newDevicesCmd(),
		newModeCmd(),
		newScanCmd(),
		newBackupCmd(),
		newHistoryCmd(),
		newServeCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("partbackup command failed")
	}
}
