// Package minion implements the pull agent: it polls the distribution
// service for each ring kind, verifies and installs any new ring file
// atomically, and never takes the orchestrator's builder/ring lock since
// it only ever replaces the read-only ring copy consumers load from.
package minion

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pandemicsyn/ring-master/pkg/config"
	"github.com/pandemicsyn/ring-master/pkg/log"
	"github.com/pandemicsyn/ring-master/pkg/metrics"
	"github.com/pandemicsyn/ring-master/pkg/ringfile"
	"github.com/rs/zerolog"
)

// Outcome describes what happened to one ring kind's fetch attempt.
type Outcome int

const (
	Unchanged Outcome = iota
	Updated
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Failed:
		return "failed"
	default:
		return "unchanged"
	}
}

// Minion pulls ring files from a Distribution Service and installs them
// under swiftdir, one kind at a time.
type Minion struct {
	cfg    config.MinionConfig
	client *http.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	digests map[ringfile.RingKind]string

	stopCh chan struct{}
	sleep  func(ctx context.Context, d time.Duration)
}

// New builds a Minion from cfg, priming its known-digest map from any ring
// files that already exist under swiftdir.
func New(cfg config.MinionConfig) *Minion {
	m := &Minion{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.RingMasterTimeout) * time.Second,
		},
		logger:  log.WithComponent("minion"),
		digests: make(map[ringfile.RingKind]string),
		stopCh:  make(chan struct{}),
		sleep:   sleepCtx,
	}
	for _, kind := range ringfile.AllKinds {
		path := config.RingPath(cfg.Swiftdir, string(kind))
		if digest, err := ringfile.Digest(path); err == nil {
			m.digests[kind] = digest
		}
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Stop signals Run's loop to exit after its current iteration.
func (m *Minion) Stop() {
	close(m.stopCh)
}

// Run enters the continuous pull loop: a randomized startup delay, then a
// pass over every ring kind every check_interval seconds until ctx is
// cancelled or Stop is called.
func (m *Minion) Run(ctx context.Context) {
	if m.cfg.StartDelayRange > 0 {
		delay := time.Duration(rand.Intn(m.cfg.StartDelayRange)) * time.Second
		m.logger.Info().Dur("delay", delay).Msg("startup delay before first check")
		m.sleep(ctx, delay)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		m.Once(ctx)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}
		m.sleep(ctx, time.Duration(m.cfg.CheckInterval)*time.Second)
	}
}

// Once runs a single pass over every ring kind and returns immediately
// (spec §4.4: the --once / -o entry point).
func (m *Minion) Once(ctx context.Context) map[ringfile.RingKind]Outcome {
	results := make(map[ringfile.RingKind]Outcome, len(ringfile.AllKinds))
	for _, kind := range ringfile.AllKinds {
		timer := metrics.NewTimer()
		outcome, err := m.fetchAndInstall(ctx, kind)
		timer.ObserveDurationVec(metrics.MinionFetchDuration, string(kind))
		metrics.MinionFetchesTotal.WithLabelValues(string(kind), outcome.String()).Inc()
		if err != nil {
			m.logger.Error().Err(err).Str("ring_kind", string(kind)).Msg("ring check/change failed")
		} else {
			m.logger.Info().Str("ring_kind", string(kind)).Str("outcome", outcome.String()).Msg("ring check complete")
		}
		results[kind] = outcome
	}
	return results
}

// fetchAndInstall implements spec §4.4's ring_updated: conditional GET
// against the distribution service, tempfile-in-same-dir + fsync, MD5
// verify against the response Etag, ring validation, then atomic rename.
func (m *Minion) fetchAndInstall(ctx context.Context, kind ringfile.RingKind) (Outcome, error) {
	ringPath := config.RingPath(m.cfg.Swiftdir, string(kind))
	name := filepath.Base(ringPath)
	url := fmt.Sprintf("%sring/%s", m.cfg.RingMaster, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Failed, fmt.Errorf("build request: %w", err)
	}

	m.mu.RLock()
	known := m.digests[kind]
	m.mu.RUnlock()
	if known != "" {
		req.Header.Set("If-None-Match", known)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Failed, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return Unchanged, nil
	case http.StatusOK:
		// falls through to install below
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Failed, fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, url, string(body))
	}

	expectedDigest := resp.Header.Get("Etag")
	if expectedDigest == "" {
		return Failed, fmt.Errorf("no etag provided by ring master")
	}

	if err := m.installRing(resp.Body, ringPath, expectedDigest); err != nil {
		return Failed, err
	}

	m.mu.Lock()
	m.digests[kind] = expectedDigest
	m.mu.Unlock()
	metrics.MinionInstalledRingDigest.WithLabelValues(string(kind), expectedDigest).Set(1)
	return Updated, nil
}

func (m *Minion) installRing(body io.Reader, ringPath, expectedDigest string) error {
	dir := filepath.Dir(ringPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(ringPath)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	actualDigest, err := ringfile.Digest(tmpPath)
	if err != nil {
		return fmt.Errorf("digest temp file: %w", err)
	}
	if actualDigest != expectedDigest {
		return fmt.Errorf("md5 mismatch: expected %s, got %s", expectedDigest, actualDigest)
	}
	if !ringfile.ValidateRing(tmpPath) {
		return fmt.Errorf("error validating ring")
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, ringPath); err != nil {
		return fmt.Errorf("install ring: %w", err)
	}
	cleanup = false
	return nil
}
