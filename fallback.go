package offlineproxy

import (
	"encoding/json"
	"net/http"
	"time"
)

// Synthetic responses produced by the router when the origin is down.
// All of them answer HTTP 200: failure behavior is deliberately soft,
// favoring availability over freshness.

const offlinePageHTML = `<h1>You are offline</h1><p>Please check your internet connection and try again.</p>`

type queuedAck struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type offlinePayload struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Data    []string `json:"data"`
}

// writeQueuedAck acknowledges a mutating request that has been queued for
// replay.
func writeQueuedAck(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(queuedAck{
		Status:    "queued",
		Message:   "Request queued for sync when online",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// writeOfflinePayload answers an API GET with no cached response.
func writeOfflinePayload(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(offlinePayload{
		Status:  "offline",
		Message: "You are offline. Showing cached data where available.",
		Data:    []string{},
	})
}

// writeOfflinePage answers an HTML navigation when even the app shell is
// missing from the cache.
func writeOfflinePage(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/html")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(offlinePageHTML))
}

// writeOfflineAsset answers a non-HTML static request.
func writeOfflineAsset(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("Offline"))
}
