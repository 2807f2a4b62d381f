package partbackup

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultForgetAfter is how long a detached device stays listed. Devices
// vanish from adb while rebooting between modes.
const DefaultForgetAfter = 5 * time.Minute

// DeviceLister enumerates attached devices with their modes.
type DeviceLister interface {
	ListDevicesWithState(ctx context.Context) (map[string]Mode, error)
}

// DeviceStatus is one row of the attached-device view.
type DeviceStatus struct {
	Serial   string    `json:"serial"`
	Mode     Mode      `json:"mode"`
	Attached bool      `json:"attached"`
	Busy     bool      `json:"busy"`
	LastSeen time.Time `json:"last_seen"`
}

// DeviceMonitor keeps the set of known devices in sync with the transport
// and remembers which of them run a job.
type DeviceMonitor struct {
	lister      DeviceLister
	allow       map[string]struct{}
	forgetAfter time.Duration
	clock       func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	mode           Mode
	attached       bool
	busy           bool
	removeAfterJob bool
	lastSeen       time.Time
}

// NewDeviceMonitor builds a monitor; a non-empty allowlist hides every
// other serial.
func NewDeviceMonitor(lister DeviceLister, allowlist []string) *DeviceMonitor {
	var allow map[string]struct{}
	if serials := normalizeSerials(allowlist); len(serials) > 0 {
		allow = make(map[string]struct{}, len(serials))
		for _, serial := range serials {
			allow[serial] = struct{}{}
		}
	}
	return &DeviceMonitor{
		lister:      lister,
		allow:       allow,
		forgetAfter: DefaultForgetAfter,
		clock:       time.Now,
		devices:     make(map[string]*deviceState),
	}
}

// Allowed reports whether serial passes the allowlist.
func (m *DeviceMonitor) Allowed(serial string) bool {
	if m == nil || m.allow == nil {
		return true
	}
	_, ok := m.allow[strings.TrimSpace(serial)]
	return ok
}

// Refresh lists the transport and updates the known devices. A device that
// disappears while busy is kept until its job ends.
func (m *DeviceMonitor) Refresh(ctx context.Context) error {
	if m == nil || m.lister == nil {
		return errors.New("device monitor: lister is nil")
	}
	listed, err := m.lister.ListDevicesWithState(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(listed))
	for serial, mode := range listed {
		serial = strings.TrimSpace(serial)
		if serial == "" || !m.Allowed(serial) {
			continue
		}
		seen[serial] = struct{}{}
		dev, exists := m.devices[serial]
		switch {
		case !exists:
			dev = &deviceState{}
			m.devices[serial] = dev
			log.Info().Str("serial", serial).Str("mode", string(mode)).Msg("device connected")
		case !dev.attached:
			log.Info().Str("serial", serial).Str("mode", string(mode)).Msg("device reattached")
		case dev.mode != mode:
			log.Info().Str("serial", serial).Str("from", string(dev.mode)).Str("to", string(mode)).Msg("device mode changed")
		}
		dev.mode = mode
		dev.attached = true
		dev.removeAfterJob = false
		dev.lastSeen = now
	}

	for serial, dev := range m.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if dev.attached {
			dev.attached = false
			dev.mode = ModeNone
			if dev.busy {
				dev.removeAfterJob = true
				log.Warn().Str("serial", serial).Msg("device disconnected during job, will remove after completion")
				continue
			}
		}
		if dev.busy || now.Sub(dev.lastSeen) < m.forgetAfter {
			continue
		}
		delete(m.devices, serial)
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	return nil
}

// MarkBusy records whether a job runs on serial. Clearing the flag of a
// device that disappeared mid-job drops it and returns true.
func (m *DeviceMonitor) MarkBusy(serial string, busy bool) (removed bool) {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	if !ok {
		return false
	}
	dev.busy = busy
	if !busy && dev.removeAfterJob {
		delete(m.devices, serial)
		log.Info().Str("serial", serial).Msg("device removed after job")
		return true
	}
	return false
}

// Snapshot returns the known devices ordered by serial.
func (m *DeviceMonitor) Snapshot() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]DeviceStatus, 0, len(m.devices))
	for serial, dev := range m.devices {
		result = append(result, DeviceStatus{
			Serial:   serial,
			Mode:     dev.mode,
			Attached: dev.attached,
			Busy:     dev.busy,
			LastSeen: dev.lastSeen,
		})
	}
	slices.SortFunc(result, func(a, b DeviceStatus) int { return strings.Compare(a.Serial, b.Serial) })
	return result
}

// ParseDeviceAllowlist splits a comma, semicolon, pipe or whitespace
// separated serial list.
func ParseDeviceAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '\n', '\r', '\t', ' ', '|':
			return true
		default:
			return false
		}
	})
	return normalizeSerials(parts)
}

func normalizeSerials(serials []string) []string {
	if len(serials) == 0 {
		return nil
	}
	out := make([]string, 0, len(serials))
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		trimmed := strings.TrimSpace(serial)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
