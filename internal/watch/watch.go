// Package watch is the client side of docwatch: it pulls the server snapshot,
// caches it locally and tracks how many documents the user has not seen yet.
//
// Refresh calls are not serialized. Two overlapping calls race and whichever
// response resolves last is the cached snapshot. Each write replaces the whole
// snapshot in a single store operation, so the cache is never a mix.
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/docwatch/internal/events"
	"github.com/TobiSchelling/docwatch/internal/extract"
)

// Store keys.
const (
	SnapshotKey = "scrapedPdfLinks"
	SeenKey     = "seenPdfDocsCount"
)

const maxSnapshotBytes = 16 << 20

// ErrNotArray is returned when the snapshot endpoint answers with something
// other than a JSON array, including null.
var ErrNotArray = errors.New("snapshot body is not a JSON array")

// HTTPError is a non-2xx answer from the snapshot endpoint.
type HTTPError struct {
	Code int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("snapshot endpoint returned HTTP %d", e.Code)
}

// Store is the client-local key-value persistence. *database.DB implements it.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Notifier shows user-facing notifications.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

// SignalKind names an in-process badge signal.
type SignalKind string

const (
	UpdatesAvailable SignalKind = "updates-available"
	UpdatesCleared   SignalKind = "updates-cleared"
)

// Signal is emitted after the unseen count is recomputed.
type Signal struct {
	Kind  SignalKind
	Count int
}

// Options configures a Service.
type Options struct {
	ServerURL string
	Timeout   time.Duration
	Store     Store
	Notifier  Notifier
}

// Service is the fetch-and-cache state for one client.
type Service struct {
	snapshotURL string
	eventsURL   string
	client      *http.Client
	stream      *http.Client
	store       Store
	notifier    Notifier

	mu        sync.Mutex
	observers []func(Signal)
}

// New creates a Service talking to the docwatch server at opts.ServerURL.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("watch service needs a store")
	}
	base := strings.TrimRight(opts.ServerURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("invalid server url %q", opts.ServerURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{}
	}

	return &Service{
		snapshotURL: base + "/api/pdfs",
		eventsURL:   base + "/api/events",
		client:      &http.Client{Timeout: timeout},
		stream:      &http.Client{},
		store:       opts.Store,
		notifier:    notifier,
	}, nil
}

// Subscribe registers an observer for badge signals.
func (s *Service) Subscribe(fn func(Signal)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Service) emit(sig Signal) {
	s.mu.Lock()
	observers := make([]func(Signal), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(sig)
	}
}

// Refresh pulls the server snapshot once. On success it replaces the cache
// and returns the new snapshot. On any failure the cache is left alone and an
// empty slice is returned.
func (s *Service) Refresh(ctx context.Context, force bool) []extract.Record {
	if force {
		s.notifier.Info("Refreshing documents…")
	}

	records, err := s.fetch(ctx)
	if err == nil {
		err = s.storeSnapshot(records)
	}
	if err != nil {
		log.Printf("Refresh failed: %v", err)
		s.notifier.Error(fmt.Sprintf("Could not refresh documents: %v", err))
		return []extract.Record{}
	}

	if unseen := s.UnseenCount(); unseen > 0 {
		s.emit(Signal{Kind: UpdatesAvailable, Count: unseen})
	} else {
		s.emit(Signal{Kind: UpdatesCleared})
	}
	s.notifier.Success(fmt.Sprintf("Documents refreshed: %d available", len(records)))
	return records
}

func (s *Service) fetch(ctx context.Context) ([]extract.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '[' {
		return nil, ErrNotArray
	}

	records := []extract.Record{}
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return records, nil
}

func (s *Service) storeSnapshot(records []extract.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := s.store.Set(SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("caching snapshot: %w", err)
	}
	return nil
}

// Cached returns the cached snapshot, or an empty slice if there is none.
func (s *Service) Cached() []extract.Record {
	records, _ := s.cached()
	return records
}

func (s *Service) cached() ([]extract.Record, bool) {
	raw, ok, err := s.store.Get(SnapshotKey)
	if err != nil {
		log.Printf("Error reading cached snapshot: %v", err)
		return []extract.Record{}, false
	}
	if !ok {
		return []extract.Record{}, false
	}

	records := []extract.Record{}
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		log.Printf("Cached snapshot is corrupt: %v", err)
		return []extract.Record{}, false
	}
	return records, true
}

// SeenCount returns the acknowledged watermark, 0 if never set.
func (s *Service) SeenCount() int {
	raw, ok, err := s.store.Get(SeenKey)
	if err != nil {
		log.Printf("Error reading seen count: %v", err)
		return 0
	}
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// UnseenCount is max(0, len(cache) - seen).
func (s *Service) UnseenCount() int {
	return max(0, len(s.Cached())-s.SeenCount())
}

// MarkSeen advances the seen count to the cached snapshot length. It does
// nothing when no snapshot has been cached yet.
func (s *Service) MarkSeen() error {
	records, ok := s.cached()
	if !ok {
		return nil
	}
	if err := s.store.Set(SeenKey, strconv.Itoa(len(records))); err != nil {
		return fmt.Errorf("saving seen count: %w", err)
	}
	s.emit(Signal{Kind: UpdatesCleared})
	return nil
}

// OnRemoteChangeSignal listens on the server push channel and refreshes on
// every scrapingComplete event. It blocks until the channel ends. A broken
// channel is logged and not reopened.
func (s *Service) OnRemoteChangeSignal(ctx context.Context) error {
	err := events.Subscribe(ctx, s.stream, s.eventsURL, func(m events.Message) {
		if m.Event != events.ScrapingComplete {
			return
		}
		s.Refresh(ctx, false)
	})
	if err != nil && ctx.Err() == nil {
		log.Printf("Push channel closed: %v", err)
	}
	return err
}

type logNotifier struct{}

func (logNotifier) Info(msg string)    { log.Print(msg) }
func (logNotifier) Success(msg string) { log.Print(msg) }
func (logNotifier) Error(msg string)   { log.Print(msg) }
