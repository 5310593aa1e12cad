package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/config"
	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/statement-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/statement-crawler/internal/id/uuid"
	"github.com/JakeFAU/statement-crawler/internal/logging"
	"github.com/JakeFAU/statement-crawler/internal/metrics"
	"github.com/JakeFAU/statement-crawler/internal/orchestrator"
	"github.com/JakeFAU/statement-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/statement-crawler/internal/policy/robots"
	"github.com/JakeFAU/statement-crawler/internal/proxy"
	"github.com/JakeFAU/statement-crawler/internal/sink"
	"github.com/JakeFAU/statement-crawler/internal/useragent"
	"github.com/JakeFAU/statement-crawler/internal/worker"
)

type scrapeOptions struct {
	*rootOptions
	symbolsFile string
}

// flagKeys maps scrape flags onto config keys.
var flagKeys = map[string]string{
	"concurrency":          "scrape.concurrency",
	"page-types":           "scrape.page_types",
	"base-url":             "scrape.base_url",
	"max-retries":          "retry.max_retries",
	"retry-delay":          "retry.delay",
	"max-redirects":        "http.max_redirects",
	"insecure-skip-verify": "http.insecure_skip_verify",
	"proxy-file":           "proxy.file",
	"respect-robots":       "robots.respect",
	"format":               "output.format",
	"output":               "output.path",
	"metrics-addr":         "metrics.addr",
}

func newScrapeCmd(root *rootOptions) *cobra.Command {
	opts := &scrapeOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "scrape [SYMBOL...]",
		Short: "Scrape statement tables for the given symbols",
		Long: `Scrapes every (symbol, page type) pair. Symbols come from the arguments,
then --symbols-file, then the scrape.symbols config key.

Exit status is 0 when the run completes (even if some items failed
permanently), 130 when interrupted, and 1 on configuration errors.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.symbolsFile, "symbols-file", "", "file with one or more symbols per line")
	f.Int("concurrency", 10, "number of concurrent workers")
	f.StringSlice("page-types", nil, "page types to scrape (financials, balance_sheet, cash_flow)")
	f.String("base-url", "", "base URL that symbol pages hang off")
	f.Int("max-retries", 3, "total fetch attempts per item")
	f.Duration("retry-delay", 5*time.Second, "delay between attempts")
	f.Int("max-redirects", 5, "redirect hops followed per fetch")
	f.Bool("insecure-skip-verify", false, "disable TLS certificate verification")
	f.String("proxy-file", "", "proxy list, one endpoint per line")
	f.Bool("respect-robots", false, "skip pages disallowed by robots.txt")
	f.String("format", "text", "record format: text, csv or jsonl")
	f.StringP("output", "o", "", "record output file (default stdout)")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runScrape(cmd *cobra.Command, opts *scrapeOptions, args []string) error {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return err
	}
	loadOpts := make([]config.Option, 0, len(flagKeys))
	for name, key := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil && flag.Changed {
			loadOpts = append(loadOpts, config.WithFlag(key, flag))
		}
	}
	cfg, err := config.Load(opts.configPath, loadOpts...)
	if err != nil {
		return err
	}

	symbols, err := resolveSymbols(args, opts.symbolsFile, cfg)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, cleanup, err := buildRun(ctx, cfg, symbols, logger, stop)
	if err != nil {
		return err
	}
	defer cleanup()

	summary := run.Run(ctx)
	if code := summary.ExitCode(); code != orchestrator.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// buildRun wires every collaborator from cfg. cleanup closes sinks and
// servers and must be called once the run returns. onInterrupt fires on the
// first interrupt so a second one terminates the process.
func buildRun(
	ctx context.Context,
	cfg config.Config,
	symbols []crawler.Symbol,
	logger *zap.Logger,
	onInterrupt func(),
) (*orchestrator.Orchestrator, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	pageTypes, err := cfg.PageTypes()
	if err != nil {
		return nil, nil, err
	}
	format, err := sink.ParseFormat(cfg.Output.Format)
	if err != nil {
		return nil, nil, err
	}

	records, err := buildSink(ctx, cfg, format)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() {
		if err := records.Close(); err != nil {
			logger.Warn("close record sink failed", zap.Error(err))
		}
	})

	directory, err := buildProxies(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := worker.Deps{
		Fetcher: collyfetcher.New(collyfetcher.Config{
			ConnectTimeout:     cfg.HTTP.ConnectTimeout,
			ReadTimeout:        cfg.HTTP.ReadTimeout,
			MaxRedirects:       fetcherRedirects(cfg.HTTP.MaxRedirects),
			InsecureSkipVerify: cfg.HTTP.InsecureSkipVerify,
		}, useragent.New(cfg.UserAgents), logger.Named("fetcher")),
		Proxies:   directory,
		Extractor: extract.New(extract.DefaultRegistry()),
		Sink:      records,
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Politeness.RequestsPerSecond,
			Burst:             cfg.Politeness.Burst,
		}),
		Retry: cfg.RetryPolicy(),
	}
	if cfg.Robots.Enabled {
		checker := robots.New(cfg.Robots.Agent, cfg.Robots.Timeout)
		deps.Robots = checker
		closers = append(closers, func() { _ = checker.Close() })
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
		closers = append(closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	run := orchestrator.New(orchestrator.Config{
		RunID:         uuid.New().MustNewID(),
		Symbols:       symbols,
		PageTypes:     pageTypes,
		Concurrency:   cfg.Scrape.Concurrency,
		ShutdownGrace: cfg.Scrape.ShutdownGrace,
		Worker: worker.Config{
			BaseURL:       cfg.Scrape.BaseURL,
			RespectRobots: cfg.Robots.Respect,
		},
		OnInterrupt: onInterrupt,
	}, deps, logger)
	return run, cleanup, nil
}

// fetcherRedirects maps http.max_redirects onto the fetcher budget, where
// zero selects the default and a negative value disables redirects.
func fetcherRedirects(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func buildSink(ctx context.Context, cfg config.Config, format sink.Format) (crawler.RecordSink, error) {
	writer, err := sink.Open(cfg.Output.Path, format)
	if err != nil {
		return nil, err
	}
	if !cfg.Output.PubSub.Enabled() {
		return writer, nil
	}
	publisher, err := sink.NewPubSub(ctx, cfg.Output.PubSub.ProjectID, cfg.Output.PubSub.Topic)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return sink.Fanout{writer, publisher}, nil
}

func buildProxies(cfg config.Config, logger *zap.Logger) (*proxy.Directory, error) {
	var candidates []crawler.ProxyEndpoint
	if cfg.Proxy.File != "" {
		loaded, err := proxy.LoadFile(cfg.Proxy.File)
		var lineErr *proxy.LineError
		switch {
		case err == nil:
		case errors.As(err, &lineErr):
			logger.Warn("skipped malformed proxy lines", zap.Error(err))
		default:
			return nil, err
		}
		candidates = loaded
	}
	logger.Info("proxy directory loaded", zap.Int("candidates", len(candidates)))
	prober := proxy.NewHTTPProber(cfg.Proxy.ProbeURL, cfg.Proxy.ProbeTimeout, cfg.HTTP.InsecureSkipVerify)
	return proxy.NewDirectory(candidates, prober, proxy.Config{CacheTTL: cfg.Proxy.CacheTTL}, logger.Named("proxy")), nil
}

// resolveSymbols prefers arguments, then the symbols file, then config.
func resolveSymbols(args []string, symbolsFile string, cfg config.Config) ([]crawler.Symbol, error) {
	raw := args
	if len(raw) == 0 && symbolsFile != "" {
		fromFile, err := readSymbolsFile(symbolsFile)
		if err != nil {
			return nil, err
		}
		raw = fromFile
	}
	var symbols []crawler.Symbol
	if len(raw) == 0 {
		symbols = cfg.Symbols()
	}
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, crawler.Symbol(s))
		}
	}
	if len(symbols) == 0 {
		return nil, errors.New("no symbols to scrape")
	}
	return symbols, nil
}

// readSymbolsFile accepts symbols separated by whitespace or commas; '#'
// starts a comment.
func readSymbolsFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open symbols file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		out = append(out, strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read symbols file: %w", err)
	}
	return out, nil
}
