package offlineproxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	serializer "github.com/vocab-pro/offline-proxy/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// servedFromHeader tells clients which path produced the response:
// network, cache, queue, or fallback.
const servedFromHeader = "X-Served-From"

// ServeHTTP implements the http.Handler interface.
// It is the main entry point of the request router: API requests are
// served network-first with cache fallback, everything else cache-first.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := w.log.With().
		Str("method", r.Method).
		Str("url", r.URL.RequestURI()).
		Logger()

	if isAPIRequest(r, w.apiPrefix) {
		w.networkFirst(rw, r, logger)
	} else {
		w.cacheFirst(rw, r, logger)
	}
}

func isAPIRequest(r *http.Request, prefix string) bool {
	return strings.HasPrefix(r.URL.Path, prefix)
}

// networkFirst tries the origin, falls back to the cache, and finally
// degrades to the offline queue (writes) or an empty payload (reads).
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, logger zerolog.Logger) {
	key := cacheKey(r)

	// buffer mutating bodies up front so they survive a failed fetch
	// and can be queued
	var body []byte
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodDelete) {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			http.Error(rw, "could not read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	res, err := w.fetch(r, body)
	if err == nil {
		logger.Trace().Str("key", key).Msg("Origin reachable, serving live response")
		// only GET responses are cached: keys carry no method, and a
		// stored mutation response must never shadow the queue
		if r.Method == http.MethodGet && res.StatusCode >= 200 && res.StatusCode < 300 {
			if bts, serr := serializer.ResponseToBytes(res); serr != nil {
				logger.Error().Err(serr).Str("key", key).Msg("Could not serialize response for cache")
			} else {
				// best-effort: a failed cache write never fails the request
				go w.storeResponse(key, bts, logger)
			}
		}
		rw.Header().Set(servedFromHeader, "network")
		w.send(rw, res, logger)
		return
	}
	logger.Debug().Err(err).Str("key", key).Msg("Origin unreachable")

	// the cache neither stores nor matches non-GET requests, so a failed
	// mutation always reaches the queue
	if r.Method == http.MethodGet {
		if cached, ok := w.cachedResponse(key, logger); ok {
			rw.Header().Set(servedFromHeader, "cache")
			w.send(rw, cached, logger)
			return
		}
		// GET misses never fail loudly, they degrade to empty data
		logger.Debug().Str("key", key).Msg("No cached response, serving offline payload")
		rw.Header().Set(servedFromHeader, "fallback")
		writeOfflinePayload(rw)
		return
	}

	if r.Method == http.MethodPost || r.Method == http.MethodDelete {
		item, err := w.queue.Enqueue(r, body)
		if err != nil {
			logger.Error().Err(err).Msg("Could not queue request")
			http.Error(rw, "offline queue unavailable", http.StatusServiceUnavailable)
			return
		}
		logger.Debug().Int64("timestamp", item.Timestamp).Msg("Request queued for sync")
		rw.Header().Set(servedFromHeader, "queue")
		writeQueuedAck(rw)
		return
	}

	rw.Header().Set(servedFromHeader, "fallback")
	writeOfflinePayload(rw)
}

// cacheFirst serves static assets from the cache, fetching and storing on
// a miss, and degrades to the app shell or a literal offline page when the
// network is down.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, logger zerolog.Logger) {
	key := cacheKey(r)

	if cached, ok := w.cachedResponse(key, logger); ok {
		logger.Trace().Str("key", key).Msg("Cache hit and serving")
		rw.Header().Set(servedFromHeader, "cache")
		w.send(rw, cached, logger)
		return
	}

	res, err := w.fetch(r, nil)
	if err != nil {
		logger.Debug().Err(err).Str("key", key).Msg("Origin unreachable, serving offline fallback")
		w.serveOfflineFallback(rw, r, logger)
		return
	}

	// cache only success (HTTP 200); redirects, errors and the like are
	// passed through unmodified
	if res.StatusCode != http.StatusOK {
		rw.Header().Set(servedFromHeader, "network")
		w.send(rw, res, logger)
		return
	}

	if bts, serr := serializer.ResponseToBytes(res); serr != nil {
		logger.Error().Err(serr).Str("key", key).Msg("Could not serialize response for cache")
	} else {
		go w.storeResponse(key, bts, logger)
	}
	rw.Header().Set(servedFromHeader, "network")
	w.send(rw, res, logger)
}

// serveOfflineFallback answers a static request that failed at the network
// layer. HTML navigations get the cached app shell, or a literal offline
// page if even the shell is missing. Requests without an Accept header are
// treated as non-HTML.
func (w *Worker) serveOfflineFallback(rw http.ResponseWriter, r *http.Request, logger zerolog.Logger) {
	rw.Header().Set(servedFromHeader, "fallback")
	if !acceptsHTML(r) {
		writeOfflineAsset(rw)
		return
	}
	if shell, ok := w.cachedResponse(w.shellPath, logger); ok {
		logger.Trace().Msg("Serving cached app shell")
		w.send(rw, shell, logger)
		return
	}
	writeOfflinePage(rw)
}

func acceptsHTML(r *http.Request) bool {
	// a missing Accept header counts as non-HTML
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(accept, "text/html") {
			return true
		}
	}
	return false
}

// fetch forwards the intercepted request to the origin.
// A buffered body may be passed in to replace the (already consumed)
// request body.
func (w *Worker) fetch(r *http.Request, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else if r.Body != nil {
		reader = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, w.originURL.String()+r.URL.RequestURI(), reader)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = w.originURL.Host
	return w.client.Do(req)
}

// cachedResponse looks up and deserializes a stored response.
// Corrupted entries are purged and reported as a miss.
func (w *Worker) cachedResponse(key string, logger zerolog.Logger) (*http.Response, bool) {
	assets, err := w.assets()
	if err != nil {
		logger.Error().Err(err).Msg("Could not open cache store")
		return nil, false
	}
	bts, ok, err := assets.Get(key)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(bts)
	if err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not read cached response, purging")
		if derr := assets.Delete(key); derr != nil {
			logger.Error().Err(derr).Str("key", key).Msg("Could not purge corrupted entry")
		}
		return nil, false
	}
	return res, true
}

// storeResponse writes a serialized response to the cache store.
// It is best-effort: failures are logged and never surfaced to the caller.
func (w *Worker) storeResponse(key string, bts []byte, logger zerolog.Logger) {
	assets, err := w.assets()
	if err != nil {
		logger.Error().Err(err).Msg("Could not open cache store")
		return
	}
	if err := assets.Put(key, bts); err != nil {
		logger.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		return
	}
	logger.Trace().Str("key", key).Msg("Cache write")
}

func (w *Worker) send(rw http.ResponseWriter, res *http.Response, logger zerolog.Logger) {
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip forwarding headers added by an upstream proxy
		// some servers do not like their presence in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
