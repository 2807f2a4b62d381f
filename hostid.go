package partbackup

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	hostOnce sync.Once
	hostID   string
)

// hostIdentity names the machine a job ran on in history rows: the
// hardware UUID when available, otherwise the hostname.
func hostIdentity() string {
	hostOnce.Do(func() {
		if id, err := getHostUUID(); err == nil && id != "" {
			hostID = id
			return
		}
		hostID, _ = os.Hostname()
	})
	return hostID
}

// getHostUUID returns a best-effort hardware UUID for the host.
// On macOS it uses `system_profiler`; on Linux it prefers /etc/machine-id then falls back to /sys/class/dmi/id/product_uuid;
// on Windows it reads the csproduct UUID.
func getHostUUID() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	case "windows":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "wmic", "csproduct", "get", "UUID").Output()
		if err != nil {
			return "", err
		}
		for line := range Lines(string(out)) {
			if !strings.EqualFold(line, "UUID") {
				return line, nil
			}
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
