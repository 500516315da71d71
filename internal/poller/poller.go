// Package poller periodically scrapes the source page and holds the latest
// snapshot for the API.
package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/docwatch/internal/events"
	"github.com/TobiSchelling/docwatch/internal/extract"
)

// Fetcher loads the source and extracts its records.
type Fetcher interface {
	Records(ctx context.Context, selector string) ([]extract.Record, error)
}

// RunRecorder persists run history. *database.DB implements it.
type RunRecorder interface {
	StartRun(sourceURL string) (int64, error)
	FinishRun(runID int64, recordCount int, runErr error) error
}

// Publisher receives a notification after every successful run.
type Publisher interface {
	Publish(name string, data any)
}

// Options configures a Poller.
type Options struct {
	Fetcher   Fetcher
	Selector  string
	SourceURL string
	Interval  time.Duration
	Runs      RunRecorder
	Publisher Publisher
	Verbose   bool
}

// Snapshot is the result of the last successful run.
type Snapshot struct {
	Records   []extract.Record
	FetchedAt time.Time
}

// RunResult describes a single run.
type RunResult struct {
	Records  int
	Duration time.Duration
	Err      error
}

// Status summarises the poller state for the API and CLI.
type Status struct {
	Count       int       `json:"count"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
	Interval    string    `json:"interval"`
}

// Poller owns the server-side snapshot.
type Poller struct {
	opts     Options
	snapshot atomic.Pointer[Snapshot]

	mu          sync.Mutex
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     error

	cron    *cron.Cron
	started sync.WaitGroup
}

// New creates a Poller. It does not start scheduling.
func New(opts Options) (*Poller, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("poller needs a fetcher")
	}
	if opts.Interval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least 1s, got %v", opts.Interval)
	}

	var logger cron.Logger
	if opts.Verbose {
		logger = cron.VerbosePrintfLogger(log.Default())
	} else {
		logger = cron.PrintfLogger(log.Default())
	}

	return &Poller{
		opts: opts,
		cron: cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
	}, nil
}

// Snapshot returns a copy of the current records, never nil.
func (p *Poller) Snapshot() []extract.Record {
	s := p.snapshot.Load()
	if s == nil {
		return []extract.Record{}
	}
	out := make([]extract.Record, len(s.Records))
	copy(out, s.Records)
	return out
}

// Status returns the current poller status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		LastRun:     p.lastRun,
		LastSuccess: p.lastSuccess,
		Interval:    p.opts.Interval.String(),
	}
	if s := p.snapshot.Load(); s != nil {
		st.Count = len(s.Records)
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}

// RunOnce scrapes the source once. On failure the previous snapshot is kept.
func (p *Poller) RunOnce(ctx context.Context) RunResult {
	start := time.Now()
	runID := p.startRun()

	records, err := p.opts.Fetcher.Records(ctx, p.opts.Selector)
	if records == nil {
		records = []extract.Record{}
	}
	p.finishRun(runID, len(records), err)

	finished := time.Now()
	result := RunResult{Records: len(records), Duration: finished.Sub(start), Err: err}

	p.mu.Lock()
	p.lastRun = start
	p.lastErr = err
	if err == nil {
		p.lastSuccess = finished
	}
	p.mu.Unlock()

	if err != nil {
		result.Records = 0
		log.Printf("Scrape of %s failed after %s: %v", p.opts.SourceURL, result.Duration.Round(time.Millisecond), err)
		return result
	}

	p.snapshot.Store(&Snapshot{Records: records, FetchedAt: finished})
	log.Printf("Scrape complete: %d documents in %s", len(records), result.Duration.Round(time.Millisecond))

	if p.opts.Publisher != nil {
		p.opts.Publisher.Publish(events.ScrapingComplete, map[string]any{
			"count": len(records),
			"time":  finished.UTC().Format(time.RFC3339),
		})
	}
	return result
}

// Start runs the scrape once immediately and then every interval. A run that
// overlaps the next trigger delays that trigger until it finishes.
func (p *Poller) Start(ctx context.Context) {
	job := cron.NewChain(cron.DelayIfStillRunning(cron.PrintfLogger(log.Default()))).
		Then(cron.FuncJob(func() { p.RunOnce(ctx) }))

	p.cron.Schedule(cron.Every(p.opts.Interval), job)
	p.cron.Start()

	p.started.Add(1)
	go func() {
		defer p.started.Done()
		job.Run()
	}()
	log.Printf("Polling %s every %s", p.opts.SourceURL, p.opts.Interval)
}

// Stop halts scheduling and waits for running scrapes to finish.
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
	p.started.Wait()
}

func (p *Poller) startRun() int64 {
	if p.opts.Runs == nil {
		return 0
	}
	id, err := p.opts.Runs.StartRun(p.opts.SourceURL)
	if err != nil {
		log.Printf("Error recording run start: %v", err)
		return 0
	}
	return id
}

func (p *Poller) finishRun(runID int64, count int, runErr error) {
	if p.opts.Runs == nil || runID == 0 {
		return
	}
	if runErr != nil {
		count = 0
	}
	if err := p.opts.Runs.FinishRun(runID, count, runErr); err != nil {
		log.Printf("Error recording run result: %v", err)
	}
}
