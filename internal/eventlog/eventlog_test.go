package eventlog

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (s *recordingSink) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

type severityCounter map[string]int

func (c severityCounter) IncEvent(sev string) { c[sev]++ }

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l := New()
	a := l.Infof("one")
	b := l.Successf("two %d", 2)
	c := l.Errorf("three")

	if a.ID != 1 || b.ID != 2 || c.ID != 3 {
		t.Fatalf("ids = %d, %d, %d, want 1, 2, 3", a.ID, b.ID, c.ID)
	}
	if b.Message != "two 2" || b.Severity != SeveritySuccess {
		t.Fatalf("entry b = %+v", b)
	}
	if got := len(l.Entries()); got != 3 {
		t.Fatalf("len(Entries()) = %d, want 3", got)
	}
}

func TestClearKeepsIDsIncreasing(t *testing.T) {
	l := New()
	l.Infof("a")
	l.Infof("b")
	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", l.Len())
	}
	if e := l.Infof("c"); e.ID != 3 {
		t.Fatalf("ID after Clear = %d, want 3", e.ID)
	}
}

func TestSince(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.Infof("entry %d", i)
	}
	got := l.Since(3)
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 5 {
		t.Fatalf("Since(3) = %+v, want ids 4 and 5", got)
	}
	if got := l.Since(99); len(got) != 0 {
		t.Fatalf("Since(99) = %+v, want empty", got)
	}
}

func TestCapacityTrimsOldest(t *testing.T) {
	l := New(WithCapacity(2))
	l.Infof("a")
	l.Infof("b")
	l.Infof("c")
	entries := l.Entries()
	if len(entries) != 2 || entries[0].Message != "b" || entries[1].Message != "c" {
		t.Fatalf("entries = %+v, want b and c", entries)
	}
}

func TestSinksAndMetrics(t *testing.T) {
	sink := &recordingSink{}
	counts := severityCounter{}
	l := New(WithSink(sink), WithMetrics(counts))

	l.Infof("x")
	l.Errorf("y")
	l.Errorf("z")

	if len(sink.entries) != 3 {
		t.Fatalf("sink saw %d entries, want 3", len(sink.entries))
	}
	if counts["error"] != 2 || counts["info"] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSubscribe(t *testing.T) {
	l := New()
	l.Infof("before")
	ch, cancel := l.Subscribe()

	l.Successf("after")
	select {
	case e := <-ch:
		if e.Message != "after" {
			t.Fatalf("subscriber got %q, want %q", e.Message, "after")
		}
	case <-time.After(time.Second):
		t.Fatalf("no entry delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after cancel")
	}
	l.Infof("no subscribers left")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	l := New()
	_, cancel := l.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			l.Infof("spam %d", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Append blocked on a full subscriber")
	}
}

func TestClockFormat(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 8, 7, 6_000_000, time.UTC)
	l := New(WithNow(func() time.Time { return ts }))
	e := l.Infof("hello")
	if got := e.Clock(); got != "09:08:07.006" {
		t.Fatalf("Clock() = %q, want 09:08:07.006", got)
	}
}

func TestParseSeverity(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeveritySuccess, SeverityError} {
		got, err := ParseSeverity(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseSeverity(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseSeverity("loud"); err == nil {
		t.Fatalf("ParseSeverity accepted an unknown name")
	}
}
