// Package robots evaluates robots.txt rules for target hosts.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"resty.dev/v3"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// DefaultTimeout bounds a single robots.txt download.
const DefaultTimeout = 10 * time.Second

// Checker fetches robots.txt once per host and answers whether a path may be
// crawled by the configured agent.
type Checker struct {
	client *resty.Client
	agent  string
	mu     sync.Mutex
	cache  map[string]*robotstxt.RobotsData
}

var _ crawler.RobotsChecker = (*Checker)(nil)

// New builds a Checker. An empty agent matches the wildcard group.
func New(agent string, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if agent == "" {
		agent = "*"
	}
	return &Checker{
		client: resty.New().SetTimeout(timeout),
		agent:  agent,
		cache:  make(map[string]*robotstxt.RobotsData),
	}
}

// Close releases the underlying HTTP client.
func (c *Checker) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close robots client: %w", err)
	}
	return nil
}

// Allowed reports whether rawURL may be fetched. When robots.txt cannot be
// retrieved it returns true together with the error so callers can log it.
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse url: %w", err)
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		return true, err
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, c.agent), nil
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	c.mu.Lock()
	data, ok := c.cache[hostKey]
	c.mu.Unlock()
	if ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	resp, err := c.client.R().SetContext(ctx).Get(robotsURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots.txt: status %d", resp.StatusCode())
	}
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode(), resp.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	c.mu.Lock()
	c.cache[hostKey] = data
	c.mu.Unlock()
	return data, nil
}
