// Package offlineproxy implements the offline layer of the vocab app as a
// caching HTTP proxy. It fronts the backend API with a network-first
// strategy, serves static assets cache-first, queues failed writes in a
// durable store, and replays them when connectivity returns.
package offlineproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	serializer "github.com/vocab-pro/offline-proxy/pkg/response-serializer"
	"github.com/vocab-pro/offline-proxy/store"

	"github.com/rs/zerolog"
)

const (
	// Version of the cached app shell. Bumping this starts a new cache
	// generation; old generations are purged on Activate.
	Version = "v4.3"

	defaultAPIPrefix   = "/api/"
	defaultAssetPrefix = "vocab-pro-cache-"
	defaultQueueStore  = "vocab-pro-offline-queue"
	defaultShellPath   = "/app-full"

	// Periodic sync never runs more often than this.
	minSyncInterval = 5 * time.Minute
)

type Config struct {
	// Storage for cache entries and the offline queue.
	Storage store.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Path prefix of API requests. Defaults to "/api/".
	APIPrefix string
	// Name of the current asset cache generation.
	// Defaults to "vocab-pro-cache-" + Version.
	Generation string
	// Common prefix of all asset cache generations.
	// Stores with this prefix other than Generation are purged on Activate.
	AssetPrefix string
	// Name of the offline queue store. Never purged on Activate.
	QueueStore string
	// URLs fetched and cached on Install. Defaults to the app shell,
	// the root page, the manifest, and the icon-font stylesheet.
	Precache []string
	// Path of the app shell page served as HTML fallback when offline.
	ShellPath string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Enable periodic draining of the offline queue.
	PeriodicSync bool
	// Interval between periodic drains. Floored at 5 minutes.
	PeriodicSyncInterval time.Duration
}

type Worker struct {
	storage     store.Storage
	originURL   url.URL
	apiPrefix   string
	generation  string
	assetPrefix string
	precache    []string
	shellPath   string
	queue       *OfflineQueue
	notifier    *Notifier
	log         zerolog.Logger
	client      http.Client
	controlling atomic.Bool
}

// CreateWorker initializes the offline proxy worker.
// It starts the needed background processes
// and sets up the needed variables
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	if config.APIPrefix == "" {
		config.APIPrefix = defaultAPIPrefix
	}
	if config.AssetPrefix == "" {
		config.AssetPrefix = defaultAssetPrefix
	}
	if config.Generation == "" {
		config.Generation = config.AssetPrefix + Version
	}
	if config.QueueStore == "" {
		config.QueueStore = defaultQueueStore
	}
	if config.ShellPath == "" {
		config.ShellPath = defaultShellPath
	}
	if len(config.Precache) == 0 {
		config.Precache = []string{
			config.ShellPath,
			"/",
			"/manifest.json",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
		}
	}

	w := &Worker{
		storage:     config.Storage,
		originURL:   config.OriginURL,
		apiPrefix:   config.APIPrefix,
		generation:  config.Generation,
		assetPrefix: config.AssetPrefix,
		precache:    config.Precache,
		shellPath:   config.ShellPath,
		notifier:    NewNotifier(logger),
		log:         logger,
		client: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	w.queue = &OfflineQueue{
		storage:   config.Storage,
		storeName: config.QueueStore,
		originURL: config.OriginURL,
		client:    &w.client,
		log:       logger.With().Str("component", "queue").Logger(),
	}

	if config.PeriodicSync {
		interval := config.PeriodicSyncInterval
		if interval < minSyncInterval {
			interval = minSyncInterval
		}
		go w.periodicSync(interval)
	}

	return w
}

// Queue returns the offline write queue of this worker.
func (w *Worker) Queue() *OfflineQueue {
	return w.queue
}

// Ready reports whether the worker has been activated and controls requests.
func (w *Worker) Ready() bool {
	return w.controlling.Load()
}

// Install populates the current cache generation with the precache
// manifest. Population is all-or-nothing: every URL is fetched first, and
// only if all fetches succeed are the responses written to the store.
// Partial shell caching left the app in an unpredictable state.
func (w *Worker) Install(ctx context.Context) error {
	assets, err := w.assets()
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}

	type fetched struct {
		key   string
		bytes []byte
	}
	entries := make([]fetched, 0, len(w.precache))
	for _, u := range w.precache {
		res, err := w.fetchURL(ctx, u)
		if err != nil {
			return fmt.Errorf("precache %s: %w", u, err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			res.Body.Close()
			return fmt.Errorf("precache %s: unexpected status %d", u, res.StatusCode)
		}
		bts, err := serializer.ResponseToBytes(res)
		res.Body.Close()
		if err != nil {
			return fmt.Errorf("precache %s: %w", u, err)
		}
		entries = append(entries, fetched{key: u, bytes: bts})
	}

	for _, e := range entries {
		if err := assets.Put(e.key, e.bytes); err != nil {
			return fmt.Errorf("store precached %s: %w", e.key, err)
		}
	}
	w.log.Info().Str("generation", w.generation).
		Msgf("Installed %d precached entries", len(entries))
	return nil
}

// Activate deletes all stale cache generations and takes control.
// Only stores carrying the asset prefix are considered generations; the
// offline queue store survives activation.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Names()
	if err != nil {
		return fmt.Errorf("list cache stores: %w", err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, w.assetPrefix) || name == w.generation {
			continue
		}
		w.log.Debug().Str("store", name).Msg("Purging stale cache generation")
		if _, err := w.storage.Delete(name); err != nil {
			return fmt.Errorf("purge %s: %w", name, err)
		}
	}
	w.controlling.Store(true)
	w.log.Info().Str("generation", w.generation).Msg("Worker activated")
	return nil
}

// assets opens the current-generation cache store.
// Stores are opened per event: the worker holds no state that needs to
// survive between events, only the storage does.
func (w *Worker) assets() (store.Store, error) {
	return w.storage.Open(w.generation)
}

// fetchURL fetches the given URL from the origin. Absolute URLs (e.g. the
// icon-font stylesheet on a CDN) are fetched as-is, paths are resolved
// against the origin.
func (w *Worker) fetchURL(ctx context.Context, u string) (*http.Response, error) {
	target := u
	if !strings.Contains(u, "://") {
		target = w.originURL.String() + u
	}
	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, err
	}
	return w.client.Do(req)
}

// cacheKey returns the cache key for an intercepted request:
// the normalized request URI (path and query). Precache manifest entries
// are stored under the manifest URL itself, which matches this key for
// same-origin paths.
func cacheKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func (w *Worker) periodicSync(interval time.Duration) {
	w.log.Info().Msgf("Starting periodic sync loop with interval %s", interval)
	for {
		time.Sleep(interval)
		if err := w.queue.Drain(context.Background()); err != nil {
			w.log.Error().Err(err).Msg("Periodic sync failed")
		}
	}
}
