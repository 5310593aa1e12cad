package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"resty.dev/v3"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// Default probe settings.
const (
	DefaultProbeURL     = "https://httpbin.org/ip"
	DefaultProbeTimeout = 10 * time.Second
)

// Prober checks whether a proxy can currently carry traffic.
type Prober interface {
	Probe(ctx context.Context, endpoint crawler.ProxyEndpoint) error
}

// HTTPProber issues a minimal GET to a known-reachable URL through the
// candidate proxy. Any transport error or non-200 status fails the probe.
type HTTPProber struct {
	url                string
	timeout            time.Duration
	insecureSkipVerify bool
}

// NewHTTPProber builds an HTTPProber; zero values fall back to defaults.
func NewHTTPProber(probeURL string, timeout time.Duration, insecureSkipVerify bool) *HTTPProber {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPProber{url: probeURL, timeout: timeout, insecureSkipVerify: insecureSkipVerify}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, endpoint crawler.ProxyEndpoint) error {
	client := resty.New().
		SetProxy(endpoint.URL().String()).
		SetTimeout(p.timeout).
		SetTLSClientConfig(&tls.Config{InsecureSkipVerify: p.insecureSkipVerify}) //nolint:gosec // opt-in only
	defer client.Close() //nolint:errcheck // nothing to recover

	resp, err := client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return fmt.Errorf("probe via %s: %w", endpoint, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("probe via %s returned status %d", endpoint, resp.StatusCode())
	}
	return nil
}
