package offlineproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/vocab-pro/offline-proxy/store"

	"github.com/rs/zerolog"
)

const queueKeyPrefix = "queue-"

// QueueItem is a mutating request persisted for later replay.
// Items are immutable once stored and removed only by a successful replay.
type QueueItem struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers"`
	// Body is the request body text for POST, null for DELETE.
	Body      *string `json:"body"`
	Timestamp int64   `json:"timestamp"`
}

// OfflineQueue persists failed mutating requests and replays them against
// the origin. The queue store is opened per operation: the worker process
// may be recycled between events, so only the storage is authoritative.
type OfflineQueue struct {
	storage   store.Storage
	storeName string
	originURL url.URL
	client    *http.Client
	log       zerolog.Logger
}

// Enqueue stores the failed request for replay and returns the stored item.
// Keys are timestamp-based; two enqueues within the same millisecond
// overwrite each other (kept as observed, see design notes).
func (q *OfflineQueue) Enqueue(r *http.Request, body []byte) (*QueueItem, error) {
	st, err := q.storage.Open(q.storeName)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	item := &QueueItem{
		URL:       r.URL.RequestURI(),
		Method:    r.Method,
		Headers:   r.Header,
		Timestamp: time.Now().UnixMilli(),
	}
	if r.Method == http.MethodPost {
		text := string(body)
		item.Body = &text
	}

	bts, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("serialize queue item: %w", err)
	}
	key := fmt.Sprintf("%s%d", queueKeyPrefix, item.Timestamp)
	if err := st.Put(key, bts); err != nil {
		return nil, fmt.Errorf("store queue item: %w", err)
	}
	q.log.Debug().Str("key", key).Str("url", item.URL).Msg("Queued request")
	return item, nil
}

// Drain replays every queued item against the origin. Items are processed
// independently and concurrently: a failed item stays queued for the next
// drain and never blocks the others. At-least-once delivery per item.
// The returned error covers queue-store access only.
func (q *OfflineQueue) Drain(ctx context.Context) error {
	st, err := q.storage.Open(q.storeName)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	keys, err := st.Keys(queueKeyPrefix)
	if err != nil {
		return fmt.Errorf("list queue keys: %w", err)
	}
	if len(keys) == 0 {
		q.log.Trace().Msg("Queue empty, nothing to drain")
		return nil
	}
	q.log.Info().Msgf("Draining %d queued requests", len(keys))

	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			q.replay(ctx, st, key)
		}(key)
	}
	wg.Wait()
	return nil
}

// Len returns the number of items currently queued.
func (q *OfflineQueue) Len() (int, error) {
	st, err := q.storage.Open(q.storeName)
	if err != nil {
		return 0, err
	}
	keys, err := st.Keys(queueKeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// replay re-issues a single queued request and removes it on success.
// Any failure leaves the item in place for the next drain.
func (q *OfflineQueue) replay(ctx context.Context, st store.Store, key string) {
	bts, ok, err := st.Get(key)
	if err != nil {
		q.log.Error().Err(err).Str("key", key).Msg("Could not read queue item")
		return
	}
	if !ok {
		// already replayed by a concurrent drain
		return
	}
	var item QueueItem
	if err := json.Unmarshal(bts, &item); err != nil {
		q.log.Error().Err(err).Str("key", key).Msg("Could not decode queue item")
		return
	}

	var body io.Reader
	if item.Body != nil {
		body = bytes.NewReader([]byte(*item.Body))
	}
	target := item.URL
	if !strings.Contains(target, "://") {
		target = q.originURL.String() + target
	}
	req, err := http.NewRequestWithContext(ctx, item.Method, target, body)
	if err != nil {
		q.log.Error().Err(err).Str("key", key).Msg("Could not build replay request")
		return
	}
	for name, values := range item.Headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	res, err := q.client.Do(req)
	if err != nil {
		q.log.Debug().Err(err).Str("key", key).Msg("Replay failed, keeping item queued")
		return
	}
	defer res.Body.Close()
	io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		q.log.Debug().Int("status", res.StatusCode).Str("key", key).
			Msg("Replay rejected, keeping item queued")
		return
	}
	if err := st.Delete(key); err != nil {
		q.log.Error().Err(err).Str("key", key).Msg("Could not remove replayed item")
		return
	}
	q.log.Debug().Str("key", key).Str("url", item.URL).Msg("Replayed queued request")
}
