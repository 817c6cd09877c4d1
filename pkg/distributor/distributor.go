// Package distributor implements the Distribution Service: a read-only
// HTTP front for the ring files the orchestrator publishes, serving
// conditional GET/HEAD with ETag semantics so minions never pull a ring
// they already have installed.
package distributor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pandemicsyn/ring-master/pkg/log"
	"github.com/pandemicsyn/ring-master/pkg/metrics"
	"github.com/pandemicsyn/ring-master/pkg/ringfile"
	"github.com/rs/zerolog"
)

// servedRings lists the only filenames the distributor will serve under
// /ring/<name>, matching the original's fixed ring_files list.
var servedRings = []string{
	"account.ring.gz",
	"container.ring.gz",
	"object.ring.gz",
}

type cachedRing struct {
	mtime time.Time
	digest string
}

// ringCache holds the last known mtime/digest pair per ring file so a
// request only recomputes the MD5 when the file has actually changed on
// disk (spec §4.3: mtime-gated digest recompute).
type ringCache struct {
	mu      sync.RWMutex
	entries map[string]*cachedRing
}

func newRingCache() *ringCache {
	return &ringCache{entries: make(map[string]*cachedRing)}
}

func (c *ringCache) validate(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()
	if ok && entry.mtime.Equal(info.ModTime()) {
		return entry.digest, nil
	}

	digest, err := ringfile.Digest(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[path] = &cachedRing{mtime: info.ModTime(), digest: digest}
	c.mu.Unlock()
	metrics.DistributorCacheRefreshTotal.WithLabelValues(ringKindFromFilename(path)).Inc()
	return digest, nil
}

func ringKindFromFilename(path string) string {
	name := filepath.Base(path)
	for _, kind := range ringfile.AllKinds {
		if name == string(kind)+".ring.gz" {
			return string(kind)
		}
	}
	return "unknown"
}

// Distributor serves /ring/<name> with conditional-GET semantics over the
// ring files published under swiftdir.
type Distributor struct {
	swiftdir string
	cache    *ringCache
	logger   zerolog.Logger
}

// New builds a Distributor serving ring files from swiftdir.
func New(swiftdir string) *Distributor {
	return &Distributor{
		swiftdir: swiftdir,
		cache:    newRingCache(),
		logger:   log.WithComponent("distributor"),
	}
}

// Router builds the full HTTP handler: ring serving plus the ambient
// health/ready/live/metrics endpoints.
func (d *Distributor) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ring/{name}", d.handleRing).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", metrics.Handler())
	r.HandleFunc("/health", metrics.HealthHandler())
	r.HandleFunc("/ready", metrics.ReadyHandler())
	r.HandleFunc("/live", metrics.LivenessHandler())
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(notImplemented)
	return r
}

// ListenAndServe starts the HTTP server on bind, blocking until it exits.
func (d *Distributor) ListenAndServe(bind string) error {
	srv := &http.Server{
		Addr:         bind,
		Handler:      d.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	d.logger.Info().Str("bind", bind).Msg("distribution service listening")
	return srv.ListenAndServe()
}

func isServedRing(name string) bool {
	for _, n := range servedRings {
		if n == name {
			return true
		}
	}
	return false
}

func (d *Distributor) handleRing(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	requestID := uuid.NewString()
	name := mux.Vars(r)["name"]
	kind := ""
	if i := len(name) - len(".ring.gz"); i > 0 {
		kind = name[:i]
	}
	logger := d.logger.With().Str("request_id", requestID).Logger()
	status := http.StatusOK
	defer func() {
		metrics.DistributorRequestsTotal.WithLabelValues(kind, r.Method, http.StatusText(status)).Inc()
		timer.ObserveDurationVec(metrics.DistributorRequestDuration, kind, r.Method)
	}()

	if !isServedRing(name) {
		status = http.StatusNotFound
		notFound(w, r)
		return
	}

	target := filepath.Join(d.swiftdir, name)
	digest, err := d.cache.validate(target)
	if err != nil {
		logger.Error().Err(err).Str("file", target).Msg("validating ring file")
		status = http.StatusServiceUnavailable
		writeTextStatus(w, status, "Service Unavailable\r\n")
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == digest {
		status = http.StatusNotModified
		writeNotModified(w, digest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Etag", digest)

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		logger.Error().Err(err).Str("file", target).Msg("opening ring file")
		status = http.StatusServiceUnavailable
		writeTextStatus(w, status, "Service Unavailable\r\n")
		return
	}
	defer f.Close()

	w.WriteHeader(status)
	buf := make([]byte, 4096)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if rerr != nil {
			return
		}
	}
}

// writeTextStatus writes a plain-text status response with the literal
// spec body, matching the original's start_response(status, [('Content-Type',
// 'text/plain')]) / return ['<body>\r\n'] wsgi pattern byte for byte.
func writeTextStatus(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// writeNotModified writes a 304 with the literal "Not Modified\r\n" body the
// original wsgi app returns. net/http's ResponseWriter refuses to send a
// body on 304 (bodyAllowedForStatus), so matching the wire format requires
// hijacking the connection and writing the response by hand. Callers whose
// ResponseWriter doesn't support hijacking (e.g. httptest.ResponseRecorder)
// fall back to a bodyless 304, which is what the stdlib allows.
func writeNotModified(w http.ResponseWriter, etag string) {
	const body = "Not Modified\r\n"

	hj, ok := w.(http.Hijacker)
	if !ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Etag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	conn, rw, err := hj.Hijack()
	if err != nil {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Etag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	defer conn.Close()

	fmt.Fprintf(rw, "HTTP/1.1 304 Not Modified\r\n"+
		"Content-Type: application/octet-stream\r\n"+
		"Etag: %s\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n"+
		"\r\n%s", etag, len(body), body)
	rw.Flush()
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeTextStatus(w, http.StatusNotFound, "Not Found\r\n")
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	writeTextStatus(w, http.StatusNotImplemented, "Not Implemented\r\n")
}
