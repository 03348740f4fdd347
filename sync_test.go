package offlineproxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocab-pro/offline-proxy/store"

	"github.com/rs/zerolog"
)

func TestSyncMessageDrainsQueue(t *testing.T) {
	var handleCount int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
	}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	_, err := worker.Queue().Enqueue(
		httptest.NewRequest("POST", "/api/words/add", strings.NewReader(`{"word":"x"}`)),
		[]byte(`{"word":"x"}`),
	)
	if err != nil {
		t.Fatal(err)
	}

	control := worker.ControlHandler()
	rr := httptest.NewRecorder()
	control.ServeHTTP(rr, httptest.NewRequest("POST", "/sw/message", strings.NewReader(`{"type":"SYNC_QUEUE"}`)))

	var reply map[string]string
	if err := json.NewDecoder(rr.Result().Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply["status"] != "synced" {
		t.Fatalf("Reply is %v", reply)
	}
	if n, err := worker.Queue().Len(); err != nil || n != 0 {
		t.Fatalf("Queue length is %d (%v)", n, err)
	}
	if handleCount != 1 {
		t.Fatalf("Origin called %d times", handleCount)
	}
}

func TestUnknownMessageRejected(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	rr := httptest.NewRecorder()
	worker.ControlHandler().ServeHTTP(rr, httptest.NewRequest("POST", "/sw/message", strings.NewReader(`{"type":"NOPE"}`)))

	if rr.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("Status code is %d", rr.Result().StatusCode)
	}
}

func TestNotifierBroadcast(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	id, ch := worker.Notifier().Subscribe()
	defer worker.Notifier().Unsubscribe(id)

	worker.Notifier().Broadcast(Message{Type: "SYNC_COMPLETE", Message: "Offline changes synced"})

	select {
	case msg := <-ch:
		if msg.Type != "SYNC_COMPLETE" {
			t.Fatalf("Type is %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("No message received")
	}
}

func TestNotifierDropsWhenBufferFull(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	id, _ := worker.Notifier().Subscribe()
	defer worker.Notifier().Unsubscribe(id)

	// a page that never reads must not block the broadcaster
	for i := 0; i < 20; i++ {
		worker.Notifier().Broadcast(Message{Type: "OFFLINE_MODE"})
	}
}

func TestConnectivityLossNotifiesPages(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	worker := newTestWorker(t, origin)

	id, ch := worker.Notifier().Subscribe()
	defer worker.Notifier().Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.WatchConnectivity(ctx, 20*time.Millisecond)

	// let the baseline probe see the origin up, then kill it
	time.Sleep(100 * time.Millisecond)
	origin.Close()

	select {
	case msg := <-ch:
		if msg.Type != "OFFLINE_MODE" {
			t.Fatalf("Type is %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No offline notification received")
	}
}

// Coming back online drains the queue and notifies pages. The origin
// starts out unreachable, a write is queued, and the origin then comes up
// on the same address.
func TestReconnectDrainsQueueAndNotifies(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	originURL, err := url.Parse("http://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	worker := CreateWorker(Config{
		Storage:   store.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db")),
		OriginURL: *originURL,
		Logger:    &logger,
	})

	_, err = worker.Queue().Enqueue(
		httptest.NewRequest("POST", "/api/words/add", strings.NewReader(`{"word":"x"}`)),
		[]byte(`{"word":"x"}`),
	)
	if err != nil {
		t.Fatal(err)
	}

	id, ch := worker.Notifier().Subscribe()
	defer worker.Notifier().Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.WatchConnectivity(ctx, 20*time.Millisecond)

	// let the baseline probe see the origin down, then bring it up
	time.Sleep(100 * time.Millisecond)
	var mu sync.Mutex
	var replayed []string
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		replayed = append(replayed, r.Method+" "+r.URL.Path)
		mu.Unlock()
	})}
	go srv.Serve(ln2)
	defer srv.Close()

	select {
	case msg := <-ch:
		if msg.Type != "SYNC_COMPLETE" {
			t.Fatalf("Type is %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No sync notification received")
	}
	if n, err := worker.Queue().Len(); err != nil || n != 0 {
		t.Fatalf("Queue length is %d (%v)", n, err)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, req := range replayed {
		if req == "POST /api/words/add" {
			return
		}
	}
	t.Fatalf("Queued request not replayed, origin saw %v", replayed)
}

// A zero or negative probe interval must not panic the watcher.
func TestWatchConnectivityZeroInterval(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.WatchConnectivity(ctx, 0)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watcher did not stop")
	}
}

func TestEventStreamDeliversMessages(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	worker := newTestWorker(t, origin)

	control := httptest.NewServer(worker.ControlHandler())
	defer control.Close()

	res, err := http.Get(control.URL + "/sw/events")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type is %s", ct)
	}

	// wait for the subscription to be registered before broadcasting
	deadline := time.Now().Add(time.Second)
	for {
		worker.Notifier().mu.Lock()
		subscribed := len(worker.Notifier().clients) > 0
		worker.Notifier().mu.Unlock()
		if subscribed || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	worker.Notifier().Broadcast(Message{Type: "OFFLINE_MODE", Message: "You are offline. Changes will be synced when online."})

	buf := make([]byte, 256)
	n, err := res.Body.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	event := string(buf[:n])
	if !strings.HasPrefix(event, "data: ") || !strings.Contains(event, `"OFFLINE_MODE"`) {
		t.Fatalf("Event is %q", event)
	}
}
