// Package worker implements the per-item fetch pipeline.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/metrics"
	"github.com/JakeFAU/statement-crawler/internal/retry"
)

// Queue is the non-blocking source of work items. DequeueUnless must not
// hand out an item once stop is closed.
type Queue interface {
	DequeueUnless(stop <-chan struct{}) (crawler.WorkItem, bool)
}

// Config controls Worker behavior.
type Config struct {
	BaseURL string
	// RespectRobots fails items whose path robots.txt disallows. When false
	// the disallow is only logged.
	RespectRobots bool
}

// Deps are the collaborators a Worker drives. Proxies, Robots and Limiter
// are optional.
type Deps struct {
	Queue     Queue
	Fetcher   crawler.Fetcher
	Proxies   crawler.ProxySelector
	Extractor crawler.Extractor
	Sink      crawler.RecordSink
	Robots    crawler.RobotsChecker
	Limiter   crawler.Limiter
	Retry     retry.Policy
}

// Result is the settled state of one work item.
type Result struct {
	Item       crawler.WorkItem
	State      retry.State
	Attempts   int
	Records    int
	TableFound bool
	EmitErrors int
	Err        error
}

// Worker drains the queue one item at a time.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run processes items until the queue is empty or stop is closed. An item
// already dequeued always runs to a terminal state; ctx bounds how long it
// may take. report is called once per item.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}, report func(Result)) {
	for {
		item, ok := w.deps.Queue.DequeueUnless(stop)
		if !ok {
			select {
			case <-stop:
				w.logger.Debug("dispatch stopped")
			default:
				w.logger.Debug("queue drained")
			}
			return
		}
		res := w.Process(ctx, item)
		if report != nil {
			report(res)
		}
	}
}

// Process runs one item through robots check, fetch under the retry policy,
// extraction and emission.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) Result {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	pageType := string(item.PageType)
	url := item.URL(w.cfg.BaseURL)
	logger := w.logger.With(
		zap.String("symbol", string(item.Symbol)),
		zap.String("page_type", pageType),
	)
	logger.Info("task started", zap.String("url", url))

	res := Result{Item: item}
	if err := w.checkRobots(ctx, logger, url); err != nil {
		res.State = retry.StateExhausted
		res.Err = err
		logger.Error("task exhausted", zap.Int("attempts", 0), zap.Error(err))
		metrics.ObserveItem(pageType, string(res.State))
		return res
	}

	resp, outcome := w.fetch(ctx, logger, item, url)
	res.State = outcome.State
	res.Attempts = outcome.Attempts
	res.Err = outcome.Err

	switch outcome.State {
	case retry.StateSucceeded:
		logger.Info("fetch succeeded",
			zap.String("url", resp.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempt", outcome.Attempts),
			zap.Int("redirects", resp.Redirects),
			zap.Duration("duration", resp.Duration),
		)
		w.extractAndEmit(ctx, logger, item, resp, &res)
	case retry.StateAborted:
		logger.Warn("task aborted", zap.Int("attempts", outcome.Attempts), zap.Error(outcome.Err))
	default:
		logger.Error("task exhausted", zap.Int("attempts", outcome.Attempts), zap.Error(outcome.Err))
	}
	metrics.ObserveItem(pageType, string(res.State))
	return res
}

func (w *Worker) checkRobots(ctx context.Context, logger *zap.Logger, url string) error {
	if w.deps.Robots == nil {
		return nil
	}
	allowed, err := w.deps.Robots.Allowed(ctx, url)
	if err != nil {
		logger.Warn("robots.txt unavailable; continuing", zap.Error(err))
	}
	if allowed {
		return nil
	}
	logger.Warn("robots.txt disallows path", zap.String("url", url), zap.Bool("respected", w.cfg.RespectRobots))
	if !w.cfg.RespectRobots {
		return nil
	}
	return &crawler.FetchError{Kind: crawler.KindRobots, URL: url, Cause: crawler.ErrDisallowed}
}

func (w *Worker) fetch(
	ctx context.Context,
	logger *zap.Logger,
	item crawler.WorkItem,
	url string,
) (crawler.FetchResponse, retry.Outcome) {
	pageType := string(item.PageType)
	maxAttempts := w.deps.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}

	var resp crawler.FetchResponse
	op := func(ctx context.Context, attempt int) error {
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx, url); err != nil {
				return fmt.Errorf("politeness wait: %w", err)
			}
		}
		req := crawler.FetchRequest{URL: url}
		via := "direct"
		if w.deps.Proxies != nil {
			if proxy, ok := w.deps.Proxies.Select(ctx); ok {
				req.Proxy = &proxy
				via = proxy.String()
			} else {
				logger.Debug("no healthy proxy; fetching direct")
			}
		}
		logger.Info("attempt started",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("proxy", via),
		)
		r, err := w.deps.Fetcher.Fetch(ctx, req)
		if err != nil {
			metrics.ObserveAttempt(pageType, attemptResult(err))
			return err
		}
		metrics.ObserveAttempt(pageType, "success")
		resp = r
		return nil
	}
	observe := func(attempt int, state retry.State, err error, wait time.Duration) {
		if state != retry.StateRetrying {
			return
		}
		logger.Warn("attempt failed; retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	outcome := w.deps.Retry.Run(ctx, op, observe)
	return resp, outcome
}

func (w *Worker) extractAndEmit(
	ctx context.Context,
	logger *zap.Logger,
	item crawler.WorkItem,
	resp crawler.FetchResponse,
	res *Result,
) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		logger.Warn("no table found", zap.Error(err))
		return
	}
	extraction := w.deps.Extractor.Extract(doc, item)
	res.TableFound = extraction.TableFound
	if !extraction.TableFound {
		logger.Warn("no table found", zap.String("url", resp.URL))
		return
	}
	for _, record := range extraction.Records {
		if err := w.deps.Sink.Emit(ctx, record); err != nil {
			res.EmitErrors++
			logger.Error("emit record failed", zap.String("year", record.Year), zap.String("field", record.Field), zap.Error(err))
			continue
		}
		res.Records++
	}
	metrics.ObserveRecords(string(item.PageType), res.Records)
	logger.Info("records emitted",
		zap.Int("records", res.Records),
		zap.Int("filtered", extraction.Filtered),
		zap.Int("skipped_rows", extraction.SkippedRows),
	)
}

func attemptResult(err error) string {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return string(crawler.KindCanceled)
	}
	return "error"
}
