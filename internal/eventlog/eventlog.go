// Package eventlog is the append-only, human-readable activity log shown to
// operators. Entry IDs increase monotonically and are never reused, even
// across Clear.
package eventlog

import (
	"fmt"
	"sync"
	"time"
)

// Severity classifies an entry.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuccess:
		return "success"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "info":
		return SeverityInfo, nil
	case "success":
		return SeveritySuccess, nil
	case "error":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Entry is one log line.
type Entry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
}

// Clock renders the entry time as HH:MM:SS.mmm.
func (e Entry) Clock() string {
	return e.Timestamp.Format("15:04:05.000")
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %-7s %s", e.Clock(), e.Severity, e.Message)
}

// Sink receives every appended entry, for example to persist it. Append
// calls sinks synchronously outside the lock.
type Sink interface {
	Record(Entry)
}

// MetricsRecorder counts entries by severity.
type MetricsRecorder interface {
	IncEvent(severity string)
}

// Option customises a Log.
type Option func(*Log)

// WithSink attaches a sink.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithMetrics attaches a severity counter.
func WithMetrics(m MetricsRecorder) Option {
	return func(l *Log) { l.metrics = m }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCapacity bounds how many entries are retained. Zero keeps everything.
func WithCapacity(n int) Option {
	return func(l *Log) { l.capacity = n }
}

// subscriberBuffer is the channel depth per subscriber. Slow subscribers
// drop entries instead of blocking Append.
const subscriberBuffer = 64

// Log is safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	entries  []Entry
	nextID   uint64
	capacity int

	subs    map[int]chan Entry
	nextSub int

	sinks   []Sink
	metrics MetricsRecorder
	now     func() time.Time
}

// New constructs an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		nextID: 1,
		subs:   make(map[int]chan Entry),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append records a message and returns the stored entry.
func (l *Log) Append(sev Severity, msg string) Entry {
	l.mu.Lock()
	e := Entry{ID: l.nextID, Timestamp: l.now(), Message: msg, Severity: sev}
	l.nextID++
	l.entries = append(l.entries, e)
	if l.capacity > 0 && len(l.entries) > l.capacity {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.capacity:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
	sinks := l.sinks
	metrics := l.metrics
	l.mu.Unlock()

	for _, s := range sinks {
		s.Record(e)
	}
	if metrics != nil {
		metrics.IncEvent(sev.String())
	}
	return e
}

// Infof appends an Info entry.
func (l *Log) Infof(format string, args ...any) Entry {
	return l.Append(SeverityInfo, fmt.Sprintf(format, args...))
}

// Successf appends a Success entry.
func (l *Log) Successf(format string, args ...any) Entry {
	return l.Append(SeveritySuccess, fmt.Sprintf(format, args...))
}

// Errorf appends an Error entry.
func (l *Log) Errorf(format string, args ...any) Entry {
	return l.Append(SeverityError, fmt.Sprintf(format, args...))
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Since returns retained entries with ID greater than id.
func (l *Log) Since(id uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops all entries. IDs keep counting from where they were.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Subscribe returns a channel receiving every entry appended from now on,
// and a cancel function that closes it.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	ch := make(chan Entry, subscriberBuffer)
	l.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			close(ch)
		})
	}
}
