package partbackup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Probe classifies the current device mode by asking each detector in turn.
// It has no side effects on the device and is bounded by a single timeout.
type Probe struct {
	timeout   time.Duration
	detectors []ModeDetector
}

// NewProbe builds a Probe; detectors are consulted in order and the first
// one that sees the device decides its mode.
func NewProbe(timeout time.Duration, detectors ...ModeDetector) *Probe {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	kept := make([]ModeDetector, 0, len(detectors))
	for _, d := range detectors {
		if d != nil {
			kept = append(kept, d)
		}
	}
	return &Probe{timeout: timeout, detectors: kept}
}

// Detect returns the device handle for serial. A probe that exceeds its
// budget yields ModeUnknown; a device no detector sees yields ModeNone.
func (p *Probe) Detect(ctx context.Context, serial string) DeviceHandle {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := make(chan DeviceHandle, 1)
	go func() {
		result <- p.detect(ctx, serial)
	}()

	select {
	case h := <-result:
		return h
	case <-ctx.Done():
		log.Warn().Str("serial", serial).Dur("timeout", p.timeout).Msg("mode probe timed out")
		return DeviceHandle{Serial: serial, Mode: ModeUnknown}
	}
}

func (p *Probe) detect(ctx context.Context, serial string) DeviceHandle {
	for _, d := range p.detectors {
		h, err := d.DetectMode(ctx, serial)
		if err != nil {
			log.Debug().Err(err).Str("serial", serial).Msg("mode detector failed")
			continue
		}
		if h.Mode != "" && h.Mode != ModeNone {
			if h.Serial == "" {
				h.Serial = serial
			}
			return h
		}
		if ctx.Err() != nil {
			return DeviceHandle{Serial: serial, Mode: ModeUnknown}
		}
	}
	return DeviceHandle{Serial: serial, Mode: ModeNone}
}

// RequireSystem fails with WrongMode unless the device is booted into the
// normal system with adb available.
func (p *Probe) RequireSystem(ctx context.Context, serial string) (DeviceHandle, error) {
	h := p.Detect(ctx, serial)
	if h.Mode != ModeSystem {
		e := newError(KindWrongMode, "device must be in system mode", nil)
		e.Mode = h.Mode
		return h, e
	}
	return h, nil
}
