package adb

import (
	"fmt"
	"strconv"
	"strings"
)

const exitMarker = "__PARTBACKUP_EXIT__:"

func wrapWithExitMarker(command string) string {
	return command + "; echo " + exitMarker + "$?"
}

// splitExitMarker strips the trailing exit marker from shell output and
// returns the remaining output with the parsed exit status.
func splitExitMarker(out string) (string, int, bool) {
	idx := strings.LastIndex(out, exitMarker)
	if idx < 0 {
		return out, -1, false
	}
	rest := strings.TrimSpace(out[idx+len(exitMarker):])
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return out[:idx], -1, false
	}
	return strings.TrimRight(out[:idx], "\r\n"), code, true
}

// imagingKillCommand returns the command that kills the dd started by an
// imaging command of the form `su -c 'dd if=<src> of=<dst>'`.
func imagingKillCommand(command string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(command), "su -c 'dd if=")
	if !ok {
		return "", false
	}
	src, _, ok := strings.Cut(rest, " ")
	if !ok || src == "" {
		return "", false
	}
	return fmt.Sprintf(`su -c 'pkill -f "dd if=%s"'`, src), true
}

// DeviceEntry is one line of `adb devices` output.
type DeviceEntry struct {
	Serial string
	State  string
}

// ParseDevices parses `adb devices` output, skipping the header and daemon
// notices.
func ParseDevices(output string) []DeviceEntry {
	var res []DeviceEntry
	for _, ln := range strings.Split(output, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "List of devices") || strings.HasPrefix(ln, "*") {
			continue
		}
		fields := strings.Fields(ln)
		if len(fields) < 2 {
			continue
		}
		state := fields[1]
		if len(fields) >= 3 && fields[1] == "no" && fields[2] == "permissions" {
			state = "unauthorized"
		}
		res = append(res, DeviceEntry{Serial: fields[0], State: state})
	}
	return res
}
