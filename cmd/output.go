package main

import (
	"github.com/fatih/color"

	partbackup "github.com/httprunner/PartitionBackup"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

func modeColor(m partbackup.Mode) *color.Color {
	switch m {
	case partbackup.ModeSystem:
		return green
	case partbackup.ModeBootloader, partbackup.ModeFastbootd, partbackup.ModeRecovery, partbackup.ModeSideload:
		return yellow
	case partbackup.ModeNone, partbackup.ModeUnknown:
		return red
	default:
		return cyan
	}
}

func stateColor(s string) *color.Color {
	switch partbackup.JobState(s) {
	case partbackup.StateCompleted:
		return green
	case partbackup.StateCancelled:
		return yellow
	case partbackup.StateFailed:
		return red
	default:
		return cyan
	}
}
