package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statement-crawler/internal/config"
	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/orchestrator"
)

const incomeStatement = `<html><body><table data-test-id="table">
<thead><tr><th>2023</th><th>2022</th></tr></thead>
<tbody><tr><th>Revenue</th><td>383,285</td><td>--</td></tr></tbody>
</table></body></html>`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func writeConfig(t *testing.T, dir, baseURL, outPath string) string {
	t.Helper()
	return writeFile(t, dir, "config.yaml", fmt.Sprintf(`scrape:
  base_url: %s
  page_types: [financials]
  concurrency: 2
retry:
  max_retries: 2
  delay: 0s
robots:
  enabled: false
output:
  format: csv
  path: %s
logging:
  development: false
  level: error
`, baseURL, outPath))
}

func TestExecuteScrapeWritesRecords(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/AAPL/income-statement":
			_, _ = w.Write([]byte(incomeStatement))
		case "/MSFT/income-statement":
			http.Redirect(w, r, "/AAPL/income-statement", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "records.csv")
	cfgPath := writeConfig(t, dir, srv.URL, outPath)

	var stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"scrape", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"),
		"AAPL", "MSFT", "NOPE",
	}, &stderr)
	require.Equal(t, orchestrator.ExitOK, code, stderr.String())

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.ElementsMatch(t, []string{
		`AAPL,financials,2023,Revenue,"383,285"`,
		`MSFT,financials,2023,Revenue,"383,285"`,
	}, lines)
	// NOPE fails twice with 404.
	require.Equal(t, int32(1+2+2), hits.Load())
}

func TestExecuteFlagsOverrideConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(incomeStatement))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, srv.URL, filepath.Join(dir, "unused.csv"))
	outPath := filepath.Join(dir, "records.jsonl")

	var stderr bytes.Buffer
	code := execute(context.Background(), []string{
		"scrape", "--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"),
		"--format", "jsonl", "--output", outPath, "AAPL",
	}, &stderr)
	require.Equal(t, orchestrator.ExitOK, code, stderr.String())

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Contains(t, string(out), `"symbol":"AAPL"`)
	require.Contains(t, string(out), `"numeric":"383285"`)
	require.NoFileExists(t, filepath.Join(dir, "unused.csv"))
}

func TestExecuteStartupErrors(t *testing.T) {
	dir := t.TempDir()
	missingEnv := filepath.Join(dir, "missing.env")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing config file",
			args: []string{"scrape", "--env-file", missingEnv, "--config", filepath.Join(dir, "nope.yaml"), "AAPL"},
			want: "read config",
		},
		{
			name: "invalid concurrency",
			args: []string{"scrape", "--env-file", missingEnv, "--concurrency", "0", "AAPL"},
			want: "scrape.concurrency",
		},
		{
			name: "unknown format",
			args: []string{"scrape", "--env-file", missingEnv, "--format", "xml", "AAPL"},
			want: "xml",
		},
		{
			name: "missing proxy file",
			args: []string{
				"scrape", "--env-file", missingEnv, "--format", "csv",
				"--output", filepath.Join(dir, "out.csv"),
				"--proxy-file", filepath.Join(dir, "proxies.txt"), "AAPL",
			},
			want: "open proxy list",
		},
		{
			name: "missing symbols file",
			args: []string{"scrape", "--env-file", missingEnv, "--symbols-file", filepath.Join(dir, "symbols.txt")},
			want: "open symbols file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			code := execute(context.Background(), tt.args, &stderr)
			require.Equal(t, orchestrator.ExitStartup, code)
			require.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestReadSymbolsFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "symbols.txt", "# watchlist\nAAPL, MSFT\n\nGOOGL\tAMZN # big tech\n")

	got, err := readSymbolsFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"AAPL", "MSFT", "GOOGL", "AMZN"}, got)
}

func TestResolveSymbolsPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "symbols.txt", "TSLA\n")
	cfg := config.Config{Scrape: config.ScrapeConfig{Symbols: []string{"IBM"}}}

	got, err := resolveSymbols([]string{"AAPL", " "}, path, cfg)
	require.NoError(t, err)
	require.Equal(t, []crawler.Symbol{"AAPL"}, got)

	got, err = resolveSymbols(nil, path, cfg)
	require.NoError(t, err)
	require.Equal(t, []crawler.Symbol{"TSLA"}, got)

	got, err = resolveSymbols(nil, "", cfg)
	require.NoError(t, err)
	require.Equal(t, []crawler.Symbol{"IBM"}, got)

	_, err = resolveSymbols(nil, "", config.Config{})
	require.Error(t, err)
}

func TestFetcherRedirects(t *testing.T) {
	require.Equal(t, -1, fetcherRedirects(0))
	require.Equal(t, 5, fetcherRedirects(5))
	require.Equal(t, 1, fetcherRedirects(1))
}
