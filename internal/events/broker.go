// Package events carries the one-way push channel that tells clients a new
// snapshot is available. Events are advisory triggers, never data.
package events

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
)

// ScrapingComplete is published after every successful poller run.
const ScrapingComplete = "scrapingComplete"

const (
	subscriberBuffer = 8
	defaultHeartbeat = 25 * time.Second
)

type event struct {
	name string
	data any
}

// Broker fans published events out to every connected stream.
type Broker struct {
	mu        sync.Mutex
	subs      map[chan event]struct{}
	heartbeat time.Duration
}

// NewBroker creates a Broker. A zero heartbeat uses the default.
func NewBroker(heartbeat time.Duration) *Broker {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Broker{
		subs:      make(map[chan event]struct{}),
		heartbeat: heartbeat,
	}
}

// Publish sends an event to all current subscribers. A subscriber whose
// buffer is full misses the event; the poller never waits on clients.
func (b *Broker) Publish(name string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- event{name: name, data: data}:
		default:
			log.Printf("Dropping %s event for slow subscriber", name)
		}
	}
}

// Subscribers returns the number of connected streams.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) subscribe() chan event {
	ch := make(chan event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// ServeHTTP streams events as text/event-stream until the client goes away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	sse.Event{}.WriteContentType(w)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := sse.Encode(w, sse.Event{Event: ev.name, Data: ev.data}); err != nil {
				log.Printf("Event stream write failed: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
