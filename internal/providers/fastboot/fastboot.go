package fastboot

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/tools"
)

const commandTimeout = 3 * time.Second

// Detector tells bootloader fastboot apart from userspace fastbootd.
type Detector struct {
	path   string
	runner *tools.Registry
}

// NewDetector returns a Detector using the fastboot executable at path.
func NewDetector(path string, runner *tools.Registry) *Detector {
	if runner == nil {
		runner = tools.NewRegistry()
	}
	return &Detector{path: path, runner: runner}
}

// DetectMode reports ModeNone when fastboot does not list the device.
func (d *Detector) DetectMode(ctx context.Context, serial string) (partbackup.DeviceHandle, error) {
	if d == nil || d.path == "" {
		return partbackup.DeviceHandle{Serial: serial, Mode: partbackup.ModeNone}, nil
	}
	out, code, err := d.runner.Output(ctx, commandTimeout, d.path, "devices")
	if err != nil {
		return partbackup.DeviceHandle{}, errors.Wrap(err, "fastboot devices")
	}
	if code != 0 {
		return partbackup.DeviceHandle{}, errors.Errorf("fastboot devices exited %d", code)
	}
	found := ""
	for _, s := range ParseDevices(out) {
		if serial == "" || s == serial {
			found = s
			break
		}
	}
	if found == "" {
		return partbackup.DeviceHandle{Serial: serial, Mode: partbackup.ModeNone}, nil
	}

	mode := partbackup.ModeBootloader
	// fastboot prints getvar results on stderr, which Output merges
	out, _, err = d.runner.Output(ctx, commandTimeout, d.path, "-s", found, "getvar", "is-userspace")
	if err == nil && IsUserspace(out) {
		mode = partbackup.ModeFastbootd
	}
	return partbackup.DeviceHandle{Serial: found, Mode: mode}, nil
}

// ParseDevices returns the serials listed by `fastboot devices`.
func ParseDevices(output string) []string {
	var serials []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && (fields[1] == "fastboot" || fields[1] == "fastbootd") {
			serials = append(serials, fields[0])
		}
	}
	return serials
}

// IsUserspace reports whether `getvar is-userspace` answered yes.
func IsUserspace(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "is-userspace:"); ok {
			return strings.EqualFold(strings.TrimSpace(v), "yes")
		}
	}
	return false
}
