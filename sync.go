package offlineproxy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Page-to-worker and worker-to-page message types.
const (
	msgSyncQueue    = "SYNC_QUEUE"
	msgSyncComplete = "SYNC_COMPLETE"
	msgOfflineMode  = "OFFLINE_MODE"
)

// defaultProbeInterval is used when no usable probe interval is configured.
const defaultProbeInterval = 10 * time.Second

// ControlHandler returns the control surface mounted next to the proxy:
// the page-to-worker message endpoint and the event stream pages listen on.
func (w *Worker) ControlHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/sw/message", w.handleMessage)
	r.Get("/sw/events", w.notifier.ServeHTTP)
	return r
}

// Notifier returns the worker-to-page notifier.
func (w *Worker) Notifier() *Notifier {
	return w.notifier
}

type pageMessage struct {
	Type string `json:"type"`
}

// handleMessage is the request/response message channel from pages.
// A SYNC_QUEUE message drains the offline queue and reports the outcome.
func (w *Worker) handleMessage(rw http.ResponseWriter, r *http.Request) {
	var msg pageMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(rw, "invalid message", http.StatusBadRequest)
		return
	}
	switch msg.Type {
	case msgSyncQueue:
		rw.Header().Set("Content-Type", "application/json")
		if err := w.queue.Drain(r.Context()); err != nil {
			w.log.Error().Err(err).Msg("Sync request failed")
			json.NewEncoder(rw).Encode(map[string]string{
				"status": "error",
				"error":  err.Error(),
			})
			return
		}
		json.NewEncoder(rw).Encode(map[string]string{"status": "synced"})
	default:
		http.Error(rw, "unknown message type", http.StatusBadRequest)
	}
}

// WatchConnectivity polls the origin status endpoint until the context is
// cancelled. An offline-to-online transition drains the queue and notifies
// pages; going offline only notifies, there is nothing to drain without a
// network. The first probe sets the baseline silently.
func (w *Worker) WatchConnectivity(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	w.log.Info().Msgf("Starting connectivity watch with interval %s", interval)
	var online, known bool
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		now := w.probe(ctx)
		if known && now != online {
			if now {
				w.log.Info().Msg("Back online, draining queue")
				if err := w.queue.Drain(ctx); err != nil {
					w.log.Error().Err(err).Msg("Drain on reconnect failed")
				}
				w.notifier.Broadcast(Message{
					Type:    msgSyncComplete,
					Message: "Offline changes synced",
				})
			} else {
				w.log.Info().Msg("Connection lost")
				w.notifier.Broadcast(Message{
					Type:    msgOfflineMode,
					Message: "You are offline. Changes will be synced when online.",
				})
			}
		}
		online = now
		known = true

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe checks whether the origin is reachable.
func (w *Worker) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", w.originURL.String()+w.apiPrefix+"status", nil)
	if err != nil {
		return false
	}
	res, err := w.client.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}
