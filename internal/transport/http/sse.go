package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Broadcaster fans one run's progress events out to its SSE clients. New
// subscribers get a replay of everything emitted so far, then live events.
type Broadcaster struct {
	mu      sync.Mutex
	history []map[string]any
	clients map[uint64]chan map[string]any
	nextID  uint64
	closed  bool
	doneCh  chan struct{} // closed when the run finishes, not on slow-client drops
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan map[string]any),
		doneCh:  make(chan struct{}),
	}
}

// Send delivers an event to every subscriber. A client that cannot keep up
// is dropped rather than allowed to block the pipeline.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe returns an events channel, a done channel, and an unsubscribe
// function. The done channel closes only when the run finishes, which lets
// the stream handler distinguish completion from a slow-client drop.
func (b *Broadcaster) Subscribe() (<-chan map[string]any, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan map[string]any, len(b.history)+256)
	id := b.nextID
	b.nextID++

	// The channel is sized for the full history plus live headroom, so the
	// replay never blocks while holding the mutex.
	for _, ev := range b.history {
		ch <- ev
	}

	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close marks the run finished and releases every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// History returns a copy of the events emitted so far.
func (b *Broadcaster) History() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.history))
	copy(out, b.history)
	return out
}

// Hub routes progress events to per-run broadcasters. It is the process-wide
// sink the engine emits into.
type Hub struct {
	mu   sync.Mutex
	runs map[string]*Broadcaster
}

func NewHub() *Hub {
	return &Hub{runs: map[string]*Broadcaster{}}
}

// Broadcaster returns the run's broadcaster, creating it on first use.
func (h *Hub) Broadcaster(runID string) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.runs[runID]
	if !ok {
		b = NewBroadcaster()
		h.runs[runID] = b
	}
	return b
}

// Send routes an event to its run's broadcaster. Events without a run_id are
// dropped; they have no stream to land on. Terminal events close the run's
// broadcaster so streaming clients see completion.
func (h *Hub) Send(ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	if runID == "" {
		return
	}
	b := h.Broadcaster(runID)
	b.Send(ev)
	if t, _ := ev["type"].(string); t == "done" || t == "error" {
		b.Close()
		h.mu.Lock()
		delete(h.runs, runID)
		h.mu.Unlock()
	}
}

// WriteSSE streams a broadcaster's events to an HTTP response.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop: disconnect silently.
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
