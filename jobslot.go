package partbackup

import "sync/atomic"

// jobSlot admits at most one scan or backup job per device tab.
type jobSlot struct {
	busy atomic.Bool
}

// acquire claims the slot; it fails with Busy when a job is already active.
func (s *jobSlot) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return newError(KindBusy, "another job is still running on this device", nil)
	}
	return nil
}

func (s *jobSlot) release() {
	s.busy.Store(false)
}

func (s *jobSlot) active() bool {
	return s.busy.Load()
}
