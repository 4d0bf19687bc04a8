package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/offline-cache/offline-cache/cache"
	cachekey "github.com/offline-cache/offline-cache/pkg/cache-key"
	snapshot "github.com/offline-cache/offline-cache/pkg/response-snapshot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	// Manifest with the version tag, precache lists, and cache-first
	// host allow-list. The zero value means DefaultManifest.
	Manifest Manifest
	// URL of the first-party origin. Relative request URLs and relative
	// manifest pages are resolved against it.
	Origin url.URL
	// Storage for cache partitions.
	// An in-memory storage is used if nil.
	Storage cache.Storage
	// HTTP client used for all network fetches.
	// http.DefaultClient is used if nil.
	Client *http.Client
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Worker intercepts GET requests and serves them from two versioned
// cache partitions: network-first for HTML pages, cache-first for
// allow-listed asset hosts. Everything else passes through untouched.
type Worker struct {
	manifest Manifest
	origin   url.URL
	hosts    map[string]struct{}
	storage  cache.Storage
	static   cache.Partition
	assets   cache.Partition
	client   *http.Client
	log      zerolog.Logger
	pending  sync.WaitGroup
}

// New initializes a worker and opens its two live partitions.
// A partition is created empty on first reference, so New on a fresh
// storage leaves two empty partitions behind.
func New(config Config) (*Worker, error) {
	manifest := config.Manifest
	if manifest.Version == "" {
		manifest = DefaultManifest
	}

	storage := config.Storage
	if storage == nil {
		storage = cache.NewMemoryStorage()
	}

	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("version", manifest.Version).
		Logger()

	w := &Worker{
		manifest: manifest,
		origin:   config.Origin,
		hosts:    make(map[string]struct{}, len(manifest.Hosts)),
		storage:  storage,
		client:   client,
		log:      logger,
	}
	for _, host := range manifest.Hosts {
		w.hosts[strings.ToLower(host)] = struct{}{}
	}

	var err error
	if w.static, err = storage.Open(manifest.StaticPartition()); err != nil {
		return nil, err
	}
	if w.assets, err = storage.Open(manifest.AssetsPartition()); err != nil {
		return nil, err
	}
	return w, nil
}

type strategy int

const (
	strategyPassThrough strategy = iota
	strategyNetworkFirst
	strategyCacheFirst
)

// classify maps an intercepted request to its handling strategy.
// Non-GET requests are never intervened with. HTML pages go
// network-first; allow-listed hosts go cache-first.
func (w *Worker) classify(r *http.Request) strategy {
	if r.Method != http.MethodGet {
		return strategyPassThrough
	}
	if strings.HasSuffix(r.URL.Path, ".html") {
		return strategyNetworkFirst
	}
	if _, ok := w.hosts[requestHost(r)]; ok {
		return strategyCacheFirst
	}
	return strategyPassThrough
}

// Middleware wraps the given handler with the worker. Requests the
// worker does not intervene with are passed to next untouched.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch w.classify(r) {
		case strategyNetworkFirst:
			w.networkFirst(rw, r)
		case strategyCacheFirst:
			w.cacheFirst(rw, r)
		default:
			next.ServeHTTP(rw, r)
		}
	})
}

// ServeHTTP implements the http.Handler interface. Requests outside the
// worker's strategies are forwarded upstream as-is.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.Middleware(http.HandlerFunc(w.passThrough)).ServeHTTP(rw, r)
}

// networkFirst fetches live and falls back to the static partition only
// when the network itself fails. Completed responses are stored in the
// background, without delaying delivery.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request) {
	key := cachekey.FromRequest(r, &w.origin)
	log := w.requestLogger(r, "network-first")

	res, err := w.fetch(r.Context(), w.requestURL(r), modeSameOrigin)
	if err != nil {
		log.Debug().Err(err).Msg("Network failed, falling back to cache")
		if bts, ok, matchErr := w.static.Match(key); matchErr == nil && ok {
			w.sendStored(rw, r, bts, log)
			return
		}
		http.Error(rw, "offline and no cached copy", http.StatusBadGateway)
		w.logRequest(log, r, http.StatusBadGateway, false)
		return
	}
	defer res.Body.Close()

	// capture before the body is handed to the client: response bodies
	// are single-read streams
	if bts, captureErr := snapshot.Capture(res); captureErr != nil {
		log.Error().Err(captureErr).Msg("Could not capture response")
	} else {
		w.waitUntil(func() error { return w.static.Put(key, bts) })
	}
	w.sendLive(rw, r, res, log)
}

// cacheFirst serves from the assets partition without touching the
// network on a hit. On a miss it fetches live, storing the response in
// the background only when the status is exactly 200. Network failures
// propagate to the caller; there is no fallback lookup in this branch.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request) {
	key := cachekey.FromRequest(r, &w.origin)
	log := w.requestLogger(r, "cache-first")

	if bts, ok, err := w.assets.Match(key); err != nil {
		log.Error().Err(err).Msg("Could not retrieve from cache")
	} else if ok {
		w.sendStored(rw, r, bts, log)
		return
	}

	res, err := w.fetch(r.Context(), w.requestURL(r), modeCORS)
	if err != nil {
		log.Debug().Err(err).Msg("Network failed on cache miss")
		http.Error(rw, "upstream unreachable", http.StatusBadGateway)
		w.logRequest(log, r, http.StatusBadGateway, false)
		return
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		if bts, captureErr := snapshot.Capture(res); captureErr != nil {
			log.Error().Err(captureErr).Msg("Could not capture response")
		} else {
			w.waitUntil(func() error { return w.assets.Put(key, bts) })
		}
	}
	w.sendLive(rw, r, res, log)
}

// passThrough forwards a request upstream as-is, outside any caching.
func (w *Worker) passThrough(rw http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, w.requestURL(r).String(), r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadGateway)
		return
	}
	copyHeader(req.Header, r.Header)
	res, err := w.client.Do(req)
	if err != nil {
		http.Error(rw, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		w.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

type fetchMode int

const (
	modeSameOrigin fetchMode = iota
	// modeCORS requests full (non-opaque) response visibility from
	// cross-origin hosts by announcing the first-party origin.
	modeCORS
)

func (w *Worker) fetch(ctx context.Context, u *url.URL, mode fetchMode) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if mode == modeCORS && w.origin.Host != "" {
		req.Header.Set("Origin", w.origin.Scheme+"://"+w.origin.Host)
	}
	return w.client.Do(req)
}

// requestURL returns the absolute URL to fetch for an intercepted
// request, resolving proxy-local request URLs against the origin.
func (w *Worker) requestURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return w.origin.ResolveReference(r.URL)
}

func (w *Worker) sendStored(rw http.ResponseWriter, r *http.Request, bts []byte, log zerolog.Logger) {
	s, err := snapshot.Restore(bts)
	if err != nil {
		log.Error().Err(err).Msg("Could not restore stored response")
		http.Error(rw, "unreadable cache entry", http.StatusBadGateway)
		w.logRequest(log, r, http.StatusBadGateway, false)
		return
	}
	res := s.Response
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", "offline-cache; hit")
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.logRequest(log, r, res.StatusCode, true)
}

func (w *Worker) sendLive(rw http.ResponseWriter, r *http.Request, res *http.Response, log zerolog.Logger) {
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", "offline-cache; fwd=miss")
	rw.WriteHeader(res.StatusCode)
	if _, err := io.Copy(rw, res.Body); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.logRequest(log, r, res.StatusCode, false)
}

// waitUntil runs a background task whose lifetime the worker tracks,
// so stores never delay a response but can still be drained via Wait.
func (w *Worker) waitUntil(task func() error) {
	w.pending.Add(1)
	go func() {
		defer w.pending.Done()
		if err := task(); err != nil {
			w.log.Error().Err(err).Msg("Could not write to cache")
		}
	}()
}

// Wait blocks until all background cache writes spawned so far have
// settled. Call it before shutdown to avoid losing stores in flight.
func (w *Worker) Wait() {
	w.pending.Wait()
}

func (w *Worker) requestLogger(r *http.Request, strategy string) zerolog.Logger {
	return w.log.With().
		Str("req", uuid.NewString()).
		Str("strategy", strategy).
		Logger()
}

func (w *Worker) logRequest(log zerolog.Logger, r *http.Request, status int, hit bool) {
	isHit := 0
	if hit {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Int("status", status).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// requestHost returns the request hostname without any port, from the
// URL if present (absolute-form requests) or the Host header otherwise.
func requestHost(r *http.Request) string {
	if host := r.URL.Hostname(); host != "" {
		return strings.ToLower(host)
	}
	host := r.Host
	if portSepIdx := strings.LastIndex(host, ":"); portSepIdx >= 0 && !strings.HasSuffix(host, "]") {
		host = host[:portSepIdx]
	}
	return strings.ToLower(host)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// strip hop headers added by an upstream proxy; some servers do
		// not like seeing these in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
