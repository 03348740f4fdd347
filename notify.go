package offlineproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message is a worker-to-page notification.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Notifier broadcasts messages to all connected pages.
// Pages subscribe over SSE; delivery is best-effort and a slow page never
// blocks the broadcaster.
type Notifier struct {
	mu      sync.Mutex
	clients map[string]chan Message
	log     zerolog.Logger
}

func NewNotifier(logger zerolog.Logger) *Notifier {
	return &Notifier{
		clients: make(map[string]chan Message),
		log:     logger.With().Str("component", "notifier").Logger(),
	}
}

// Subscribe registers a new page and returns its id and message channel.
func (n *Notifier) Subscribe() (string, <-chan Message) {
	id := uuid.NewString()
	ch := make(chan Message, 8)
	n.mu.Lock()
	n.clients[id] = ch
	n.mu.Unlock()
	n.log.Debug().Str("client", id).Msg("Page subscribed")
	return id, ch
}

// Unsubscribe removes a page registration.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	delete(n.clients, id)
	n.mu.Unlock()
	n.log.Debug().Str("client", id).Msg("Page unsubscribed")
}

// Broadcast sends a message to every subscribed page.
// Messages to pages with a full buffer are dropped.
func (n *Notifier) Broadcast(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.clients {
		select {
		case ch <- msg:
		default:
			n.log.Warn().Str("client", id).Str("type", msg.Type).
				Msg("Dropped message to slow page")
		}
	}
}

// ServeHTTP streams messages to one page as server-sent events.
func (n *Notifier) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id, ch := n.Subscribe()
	defer n.Unsubscribe(id)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-ch:
			bts, err := json.Marshal(msg)
			if err != nil {
				n.log.Error().Err(err).Msg("Could not encode message")
				continue
			}
			fmt.Fprintf(rw, "data: %s\n\n", bts)
			flusher.Flush()
		}
	}
}
