package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

type fixedAgent string

func (a fixedAgent) Pick() string { return string(a) }

// newRedirectChain serves /hop/N which redirects to /hop/N-1; /hop/0 answers 200.
func newRedirectChain(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/hop/"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		if n == 0 {
			_, _ = w.Write([]byte("<html><body>done</body></html>"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("/hop/%d", n-1), http.StatusFound)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchFollowsRedirectsWithinBudget(t *testing.T) {
	t.Parallel()

	srv := newRedirectChain(t)
	f := New(Config{MaxRedirects: 5, ConnectTimeout: time.Second, ReadTimeout: time.Second}, nil, zap.NewNop())

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/5"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 5, resp.Redirects)
	require.Equal(t, srv.URL+"/hop/0", resp.URL)
	require.Contains(t, string(resp.Body), "done")
}

func TestFetchFailsWhenRedirectBudgetExceeded(t *testing.T) {
	t.Parallel()

	srv := newRedirectChain(t)
	f := New(Config{MaxRedirects: 5}, nil, zap.NewNop())

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/6"})
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrTooManyRedirects)

	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, crawler.KindRedirect, fe.Kind)
	require.True(t, crawler.Retryable(err))
}

func TestFetchRedirectLoopTerminates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusMovedPermanently)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{MaxRedirects: 2}, nil, zap.NewNop())
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/loop"})
	require.ErrorIs(t, err, crawler.ErrTooManyRedirects)
}

func TestFetchRedirectWithoutLocation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	for _, maxRedirects := range []int{0, 1, -1} {
		f := New(Config{MaxRedirects: maxRedirects}, nil, zap.NewNop())
		_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
		require.ErrorIs(t, err, crawler.ErrMissingLocation, "max redirects %d", maxRedirects)
		require.NotErrorIs(t, err, crawler.ErrTooManyRedirects)
	}
}

func TestFetchDefaultRedirectBudget(t *testing.T) {
	t.Parallel()

	srv := newRedirectChain(t)
	f := New(Config{}, nil, zap.NewNop())

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/5"})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRedirects, resp.Redirects)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/6"})
	require.ErrorIs(t, err, crawler.ErrTooManyRedirects)
}

func TestFetchNegativeBudgetDisablesRedirects(t *testing.T) {
	t.Parallel()

	srv := newRedirectChain(t)
	f := New(Config{MaxRedirects: -1}, nil, zap.NewNop())

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/1"})
	require.ErrorIs(t, err, crawler.ErrTooManyRedirects)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/hop/0"})
	require.NoError(t, err)
	require.Zero(t, resp.Redirects)
}

func TestFetchKeepsCookiesAcrossRedirects(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
			http.Redirect(w, r, "/statement", http.StatusFound)
		case "/statement":
			c, err := r.Cookie("session")
			if err != nil || c.Value != "s1" {
				http.Error(w, "no session", http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte("table"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, nil, zap.NewNop())
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/login"})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Redirects)
	require.Equal(t, "table", string(resp.Body))

	// Each fetch starts with an empty jar.
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/statement"})
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusForbidden, fe.StatusCode)
}

func TestFetchStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, nil, zap.NewNop())
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})

	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, crawler.KindStatus, fe.Kind)
	require.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
}

func TestFetchSendsPickedUserAgentAndHeaders(t *testing.T) {
	t.Parallel()

	var gotAgent, gotTrace string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.UserAgent()
		gotTrace = r.Header.Get("X-Trace")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{}, fixedAgent("statement-test/1.0"), zap.NewNop())
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, "statement-test/1.0", gotAgent)
	require.Equal(t, "abc", gotTrace)
}

func TestFetchRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	proxied := make(chan string, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case proxied <- r.URL.Host:
		default:
		}
		_, _ = w.Write([]byte("via proxy"))
	}))
	t.Cleanup(proxy.Close)

	proxyURL, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(proxyURL.Port())
	require.NoError(t, err)
	endpoint := &crawler.ProxyEndpoint{Scheme: "http", Host: proxyURL.Hostname(), Port: port}

	f := New(Config{}, nil, zap.NewNop())
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:   "http://statements.test/page",
		Proxy: endpoint,
	})
	require.NoError(t, err)
	require.Equal(t, "statements.test", <-proxied)
	require.Equal(t, "via proxy", string(resp.Body))
}

func TestFetchHonoursCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{}, nil, zap.NewNop())
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	require.Equal(t, DefaultConnectTimeout, f.cfg.ConnectTimeout)
	require.Equal(t, DefaultReadTimeout, f.cfg.ReadTimeout)
	require.Equal(t, DefaultMaxRedirects, f.cfg.MaxRedirects)
	require.NotNil(t, f.logger)

	require.Zero(t, New(Config{MaxRedirects: -1}, nil, nil).cfg.MaxRedirects)
	require.Equal(t, 2, New(Config{MaxRedirects: 2}, nil, nil).cfg.MaxRedirects)
}

func TestResolveLocation(t *testing.T) {
	t.Parallel()

	got, err := resolveLocation("https://example.com/a/b", "../c")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/c", got)

	got, err = resolveLocation("https://example.com/a", "https://other.example/x")
	require.NoError(t, err)
	require.Equal(t, "https://other.example/x", got)

	_, err = resolveLocation("https://example.com", "")
	require.ErrorIs(t, err, crawler.ErrMissingLocation)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusFound,
		Body:       []byte("body"),
		Headers:    &http.Header{"Location": {"/next"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusFound, result.StatusCode)
	require.Equal(t, "/next", result.Headers.Get("Location"))
	require.Equal(t, "body", string(result.Body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
