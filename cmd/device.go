package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List attached devices and their connection mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.monitor.Refresh(ctx); err != nil {
				return err
			}
			devices := a.monitor.Snapshot()
			if len(devices) == 0 {
				fmt.Println(yellow.Sprint("no device attached"))
				return nil
			}
			for _, dev := range devices {
				fmt.Printf("%-24s %s\n", dev.Serial, modeColor(dev.Mode).Sprint(dev.Mode))
			}
			return nil
		},
	}
}

func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode",
		Short: "Probe the connection mode of a device",
		Long:  "Classifies the device as system, recovery, sideload, bootloader, fastbootd, unauthorized, offline or none without touching it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			h := a.probe.Detect(ctx, rootSerial)
			serial := h.Serial
			if serial == "" {
				serial = "-"
			}
			fmt.Printf("%s %s\n", bold.Sprint(serial), modeColor(h.Mode).Sprint(h.Mode))
			return nil
		},
	}
}
