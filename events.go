package partbackup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind tells the controller how to interpret an Event.
type EventKind string

const (
	EventLog      EventKind = "log"
	EventProgress EventKind = "progress"
	EventState    EventKind = "state"
	EventScan     EventKind = "scan"
	EventResult   EventKind = "result"
)

// Event is a notification from a worker to its controller. Events are
// ordered but may be delivered arbitrarily late.
type Event struct {
	Kind       EventKind         `json:"kind"`
	JobID      string            `json:"job_id,omitempty"`
	Serial     string            `json:"serial,omitempty"`
	Time       time.Time         `json:"time"`
	Level      string            `json:"level,omitempty"`
	Message    string            `json:"message,omitempty"`
	Partition  string            `json:"partition,omitempty"`
	Current    int               `json:"current,omitempty"`
	Total      int               `json:"total,omitempty"`
	State      JobState          `json:"state,omitempty"`
	Partitions []PartitionRecord `json:"partitions,omitempty"`
	Result     *BackupResult     `json:"result,omitempty"`
}

// eventQueue is an unbounded FIFO: push never blocks the worker, and a
// single pump goroutine feeds the output channel in order.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
	out    chan Event
}

func newEventQueue(buffer int) *eventQueue {
	if buffer < 0 {
		buffer = 0
	}
	q := &eventQueue{out: make(chan Event, buffer)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- ev
	}
}

// CancelFlag is the cooperative stop signal shared by a controller and its
// worker. Workers poll it only at well-defined checkpoints.
type CancelFlag struct {
	set atomic.Bool
}

// Set requests cancellation.
func (f *CancelFlag) Set() {
	if f != nil {
		f.set.Store(true)
	}
}

// IsSet reports whether cancellation was requested.
func (f *CancelFlag) IsSet() bool {
	return f != nil && f.set.Load()
}

// Scope carries a job's identity, its event sink and its cancellation flag
// into the pipeline steps. A nil Scope logs only and is never cancelled.
type Scope struct {
	jobID  string
	serial string
	emit   func(Event)
	flag   *CancelFlag
}

// NewScope builds a Scope; emit and flag may be nil.
func NewScope(jobID, serial string, emit func(Event), flag *CancelFlag) *Scope {
	return &Scope{jobID: jobID, serial: serial, emit: emit, flag: flag}
}

// Cancelled reports whether the job was asked to stop.
func (s *Scope) Cancelled() bool {
	return s != nil && s.flag.IsSet()
}

// Logf records an operator-visible message.
func (s *Scope) Logf(format string, args ...any) {
	s.logf("info", format, args...)
}

// Warnf records an operator-visible warning.
func (s *Scope) Warnf(format string, args ...any) {
	s.logf("warn", format, args...)
}

func (s *Scope) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ev := log.Info()
	if level == "warn" {
		ev = log.Warn()
	}
	if s != nil {
		ev = ev.Str("job_id", s.jobID).Str("serial", s.serial)
	}
	ev.Msg(msg)
	s.send(Event{Kind: EventLog, Level: level, Message: msg})
}

// Progress reports that partition number current of total is starting.
func (s *Scope) Progress(current, total int, partition string) {
	s.send(Event{Kind: EventProgress, Current: current, Total: total, Partition: partition})
}

func (s *Scope) send(ev Event) {
	if s == nil || s.emit == nil {
		return
	}
	ev.JobID = s.jobID
	ev.Serial = s.serial
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.emit(ev)
}
