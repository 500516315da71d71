package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/docwatch/internal/events"
	"github.com/TobiSchelling/docwatch/internal/extract"
)

type mockFetcher struct {
	mu      sync.Mutex
	calls   int
	results [][]extract.Record
	errs    []error
}

func (m *mockFetcher) Records(ctx context.Context, selector string) ([]extract.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	return m.results[i], m.errs[i]
}

func (m *mockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockRuns struct {
	mu       sync.Mutex
	next     int64
	finished map[int64]error
	counts   map[int64]int
}

func newMockRuns() *mockRuns {
	return &mockRuns{finished: map[int64]error{}, counts: map[int64]int{}}
}

func (m *mockRuns) StartRun(sourceURL string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	return m.next, nil
}

func (m *mockRuns) FinishRun(runID int64, recordCount int, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[runID] = runErr
	m.counts[runID] = recordCount
	return nil
}

type published struct {
	name string
	data any
}

type mockPublisher struct {
	mu     sync.Mutex
	events []published
}

func (m *mockPublisher) Publish(name string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, published{name, data})
}

func (m *mockPublisher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

var twoRecords = []extract.Record{
	{Date: "2023-10-25", Type: "Grafik", Title: "Pobierz", URL: "https://example.com/a.pdf"},
	{Date: "2023-11-02", Type: "Urlopy", Title: "Plan", URL: "https://example.com/b.pdf"},
}

func newTestPoller(t *testing.T, f Fetcher, runs RunRecorder, pub Publisher) *Poller {
	t.Helper()
	p, err := New(Options{
		Fetcher:   f,
		Selector:  "#content",
		SourceURL: "https://example.com/docs",
		Interval:  time.Hour,
		Runs:      runs,
		Publisher: pub,
	})
	if err != nil {
		t.Fatalf("failed to create poller: %v", err)
	}
	return p
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{Interval: time.Hour}); err == nil {
		t.Error("expected error without fetcher")
	}
	if _, err := New(Options{Fetcher: &mockFetcher{}, Interval: time.Millisecond}); err == nil {
		t.Error("expected error for sub-second interval")
	}
}

func TestSnapshotEmptyBeforeFirstRun(t *testing.T) {
	p := newTestPoller(t, &mockFetcher{}, nil, nil)
	snap := p.Snapshot()
	if snap == nil || len(snap) != 0 {
		t.Errorf("expected empty non-nil snapshot, got %#v", snap)
	}
	if st := p.Status(); st.Count != 0 || !st.LastRun.IsZero() {
		t.Errorf("unexpected initial status: %+v", st)
	}
}

func TestRunOnceSuccess(t *testing.T) {
	f := &mockFetcher{results: [][]extract.Record{twoRecords}, errs: []error{nil}}
	runs := newMockRuns()
	pub := &mockPublisher{}
	p := newTestPoller(t, f, runs, pub)

	res := p.RunOnce(context.Background())
	if res.Err != nil || res.Records != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := p.Snapshot(); len(got) != 2 || got[1].Type != "Urlopy" {
		t.Errorf("unexpected snapshot: %+v", got)
	}
	if runs.counts[1] != 2 || runs.finished[1] != nil {
		t.Errorf("expected run 1 recorded as success with 2 records, got %v/%v", runs.counts[1], runs.finished[1])
	}

	if pub.Len() != 1 {
		t.Fatalf("expected 1 published event, got %d", pub.Len())
	}
	ev := pub.events[0]
	if ev.name != events.ScrapingComplete {
		t.Errorf("expected %q, got %q", events.ScrapingComplete, ev.name)
	}
	payload, ok := ev.data.(map[string]any)
	if !ok || payload["count"] != 2 {
		t.Errorf("unexpected payload: %#v", ev.data)
	}
	if _, err := time.Parse(time.RFC3339, payload["time"].(string)); err != nil {
		t.Errorf("time not RFC3339: %v", err)
	}
}

func TestRunOnceFailureKeepsSnapshot(t *testing.T) {
	boom := errors.New("connection reset")
	f := &mockFetcher{
		results: [][]extract.Record{twoRecords, nil},
		errs:    []error{nil, boom},
	}
	runs := newMockRuns()
	pub := &mockPublisher{}
	p := newTestPoller(t, f, runs, pub)

	p.RunOnce(context.Background())
	res := p.RunOnce(context.Background())
	if !errors.Is(res.Err, boom) {
		t.Fatalf("expected fetch error, got %v", res.Err)
	}
	if got := p.Snapshot(); len(got) != 2 {
		t.Errorf("expected stale snapshot kept, got %d records", len(got))
	}
	if pub.Len() != 1 {
		t.Errorf("expected no event for failed run, got %d total", pub.Len())
	}
	if !errors.Is(runs.finished[2], boom) {
		t.Errorf("expected run 2 recorded as failed, got %v", runs.finished[2])
	}

	st := p.Status()
	if st.LastError != boom.Error() {
		t.Errorf("expected last error %q, got %q", boom.Error(), st.LastError)
	}
	if st.Count != 2 || st.LastSuccess.IsZero() {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestRunOnceEmptyResultReplacesSnapshot(t *testing.T) {
	f := &mockFetcher{
		results: [][]extract.Record{twoRecords, {}},
		errs:    []error{nil, nil},
	}
	p := newTestPoller(t, f, nil, nil)

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())
	if got := p.Snapshot(); len(got) != 0 {
		t.Errorf("expected empty snapshot after empty run, got %d", len(got))
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	f := &mockFetcher{results: [][]extract.Record{twoRecords}, errs: []error{nil}}
	p := newTestPoller(t, f, nil, nil)
	p.RunOnce(context.Background())

	snap := p.Snapshot()
	snap[0].Title = "changed"
	if p.Snapshot()[0].Title != "Pobierz" {
		t.Error("snapshot mutation leaked into poller state")
	}
}

func TestStartRunsImmediately(t *testing.T) {
	f := &mockFetcher{results: [][]extract.Record{twoRecords}, errs: []error{nil}}
	pub := &mockPublisher{}
	p := newTestPoller(t, f, nil, pub)

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for pub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial run did not happen")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	if f.Calls() != 1 {
		t.Errorf("expected exactly one run with an hourly interval, got %d", f.Calls())
	}
	if len(p.Snapshot()) != 2 {
		t.Error("expected snapshot from initial run")
	}
}
