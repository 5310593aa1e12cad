// Package proxy loads outbound proxy candidates and hands out live ones.
package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// LineError describes a malformed line in a proxy list.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("proxy list line %d (%q): %v", e.Line, e.Text, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// LoadFile reads a proxy list from path. See Load for the accepted format.
func LoadFile(path string) ([]crawler.ProxyEndpoint, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open proxy list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	return Load(f)
}

// Load parses one proxy per line. Accepted forms are host:port,
// host:port:user:pass and scheme://[user:pass@]host:port. Blank lines and
// lines starting with '#' are ignored. Malformed lines are skipped; the
// valid endpoints are returned together with a joined *LineError for the
// rest.
func Load(r io.Reader) ([]crawler.ProxyEndpoint, error) {
	var (
		endpoints []crawler.ProxyEndpoint
		errs      []error
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ep, err := ParseLine(line)
		if err != nil {
			errs = append(errs, &LineError{Line: lineNo, Text: line, Err: err})
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return endpoints, fmt.Errorf("read proxy list: %w", err)
	}
	return endpoints, errors.Join(errs...)
}

// ParseLine parses a single proxy specification.
func ParseLine(line string) (crawler.ProxyEndpoint, error) {
	if strings.Contains(line, "://") {
		return parseURLForm(line)
	}
	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2, 4:
	default:
		return crawler.ProxyEndpoint{}, errors.New("expected host:port or host:port:user:pass")
	}
	port, err := parsePort(parts[1])
	if err != nil {
		return crawler.ProxyEndpoint{}, err
	}
	if parts[0] == "" {
		return crawler.ProxyEndpoint{}, errors.New("missing host")
	}
	ep := crawler.ProxyEndpoint{Scheme: "http", Host: parts[0], Port: port}
	if len(parts) == 4 {
		ep.Username, ep.Password = parts[2], parts[3]
	}
	return ep, nil
}

func parseURLForm(line string) (crawler.ProxyEndpoint, error) {
	u, err := url.Parse(line)
	if err != nil {
		return crawler.ProxyEndpoint{}, fmt.Errorf("parse proxy url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return crawler.ProxyEndpoint{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	host, rawPort, err := net.SplitHostPort(u.Host)
	if err != nil {
		return crawler.ProxyEndpoint{}, fmt.Errorf("split host/port: %w", err)
	}
	port, err := parsePort(rawPort)
	if err != nil {
		return crawler.ProxyEndpoint{}, err
	}
	ep := crawler.ProxyEndpoint{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return port, nil
}
