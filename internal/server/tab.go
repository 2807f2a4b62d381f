package server

import (
	"sync"

	partbackup "github.com/httprunner/PartitionBackup"
)

// tab is one device's orchestrator plus the recent events drained from it.
type tab struct {
	serial  string
	orch    *partbackup.Orchestrator
	monitor *partbackup.DeviceMonitor

	mu       sync.Mutex
	recent   []partbackup.Event
	progress *partbackup.Event
}

func newTab(serial string, orch *partbackup.Orchestrator, monitor *partbackup.DeviceMonitor) *tab {
	t := &tab{serial: serial, orch: orch, monitor: monitor}
	go t.drain()
	return t
}

func (t *tab) drain() {
	for ev := range t.orch.Events() {
		t.mu.Lock()
		switch ev.Kind {
		case partbackup.EventProgress:
			p := ev
			t.progress = &p
		case partbackup.EventState:
			running := ev.State == partbackup.StateScanning || ev.State == partbackup.StateBackingUp
			if running {
				t.progress = nil
			}
			t.monitor.MarkBusy(t.serial, running)
		}
		if ev.Kind != partbackup.EventProgress {
			t.recent = append(t.recent, ev)
			if over := len(t.recent) - recentEventLimit; over > 0 {
				t.recent = append(t.recent[:0:0], t.recent[over:]...)
			}
		}
		t.mu.Unlock()
	}
}

// Status is the GET /devices/:serial/status payload.
type Status struct {
	Serial     string                       `json:"serial"`
	State      partbackup.JobState          `json:"state"`
	Busy       bool                         `json:"busy"`
	Partitions []partbackup.PartitionRecord `json:"partitions,omitempty"`
	Progress   *partbackup.Event            `json:"progress,omitempty"`
	LastResult *partbackup.BackupResult     `json:"last_result,omitempty"`
	ScanError  string                       `json:"scan_error,omitempty"`
	Events     []partbackup.Event           `json:"events"`
}

func (t *tab) snapshot() Status {
	st := Status{
		Serial:     t.serial,
		State:      t.orch.State(),
		Busy:       t.orch.Busy(),
		Partitions: t.orch.Partitions(),
		LastResult: t.orch.LastResult(),
	}
	if err := t.orch.LastError(); err != nil {
		st.ScanError = err.Error()
	}
	t.mu.Lock()
	st.Events = append([]partbackup.Event(nil), t.recent...)
	if t.progress != nil {
		p := *t.progress
		st.Progress = &p
	}
	t.mu.Unlock()
	return st
}
