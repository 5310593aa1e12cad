package proxy

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/metrics"
)

// Config controls proxy selection.
//   - CacheTTL: when > 0, a successful probe is trusted for this long. The
//     default of 0 re-validates the candidate on every selection.
type Config struct {
	CacheTTL time.Duration
}

// Directory holds the candidate list and hands out a validated proxy.
// The candidate list is read-only after construction.
type Directory struct {
	candidates []crawler.ProxyEndpoint
	prober     Prober
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastAlive map[string]time.Time
}

// NewDirectory builds a Directory over candidates.
func NewDirectory(candidates []crawler.ProxyEndpoint, prober Prober, cfg Config, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		candidates: append([]crawler.ProxyEndpoint(nil), candidates...),
		prober:     prober,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		lastAlive:  make(map[string]time.Time),
	}
}

// Len returns the number of candidates.
func (d *Directory) Len() int {
	return len(d.candidates)
}

// Select picks one candidate uniformly at random and probes it. A failed
// probe yields no proxy for this selection and the caller goes direct.
// Select never blocks beyond the probe timeout.
func (d *Directory) Select(ctx context.Context) (crawler.ProxyEndpoint, bool) {
	if d == nil || len(d.candidates) == 0 {
		return crawler.ProxyEndpoint{}, false
	}
	candidate := d.candidates[rand.IntN(len(d.candidates))]
	if d.cachedAlive(candidate) {
		metrics.ObserveProxyProbe("cached")
		d.logger.Debug("proxy selected from cache", zap.Stringer("proxy", candidate))
		return candidate, true
	}
	if d.prober == nil {
		return candidate, true
	}

	// No lock is held while probing.
	if err := d.prober.Probe(ctx, candidate); err != nil {
		metrics.ObserveProxyProbe("failed")
		d.logger.Warn("proxy rejected", zap.Stringer("proxy", candidate), zap.Error(err))
		return crawler.ProxyEndpoint{}, false
	}
	metrics.ObserveProxyProbe("ok")
	d.remember(candidate)
	d.logger.Info("proxy selected", zap.Stringer("proxy", candidate))
	return candidate, true
}

func (d *Directory) cachedAlive(ep crawler.ProxyEndpoint) bool {
	if d.cfg.CacheTTL <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.lastAlive[ep.Address()]
	return ok && d.now().Sub(at) < d.cfg.CacheTTL
}

func (d *Directory) remember(ep crawler.ProxyEndpoint) {
	if d.cfg.CacheTTL <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAlive[ep.Address()] = d.now()
}
