package partbackup

import "strings"

// Mode is the connection mode a device is currently reachable in.
type Mode string

const (
	ModeSystem       Mode = "system"
	ModeBootloader   Mode = "bootloader"
	ModeFastbootd    Mode = "fastbootd"
	ModeSideload     Mode = "sideload"
	ModeRecovery     Mode = "recovery"
	ModeUnauthorized Mode = "unauthorized"
	ModeOffline      Mode = "offline"
	ModeNone         Mode = "none"
	ModeUnknown      Mode = "unknown"
)

// ModeFromADBState maps a raw adb state ("device", "sideload", gadb's
// "online", ...) onto a Mode.
func ModeFromADBState(state string) Mode {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "device", "online":
		return ModeSystem
	case "sideload":
		return ModeSideload
	case "recovery", "rescue":
		return ModeRecovery
	case "bootloader":
		return ModeBootloader
	case "unauthorized", "authorizing":
		return ModeUnauthorized
	case "offline":
		return ModeOffline
	case "", "disconnected", "no device":
		return ModeNone
	default:
		return ModeUnknown
	}
}

// DeviceHandle identifies the device a job phase runs against. It is
// resolved fresh for every phase and never reused across a cancellation.
type DeviceHandle struct {
	Serial string
	Mode   Mode
}
