// Package orchestrator composes the queue, worker pool and reporting for one run.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/dispatcher"
	"github.com/JakeFAU/statement-crawler/internal/queue/memory"
	"github.com/JakeFAU/statement-crawler/internal/retry"
	"github.com/JakeFAU/statement-crawler/internal/worker"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitStartup     = 1
	ExitInterrupted = 130
)

// DefaultShutdownGrace bounds how long in-flight items may run after an interrupt.
const DefaultShutdownGrace = 60 * time.Second

// Config describes one run.
type Config struct {
	RunID         string
	Symbols       []crawler.Symbol
	PageTypes     []crawler.PageType
	Concurrency   int
	ShutdownGrace time.Duration
	Worker        worker.Config
	// OnInterrupt runs once when the first interrupt is observed, typically to
	// restore default signal handling so a second signal kills the process.
	OnInterrupt func()
}

// Failure is a work item that did not succeed.
type Failure struct {
	Item     crawler.WorkItem
	State    retry.State
	Attempts int
	Reason   string
}

// String renders the failure as SYMBOL/page_type: reason.
func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Item, f.Reason)
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       string
	Succeeded   []crawler.WorkItem
	Failed      []Failure
	Pending     []crawler.WorkItem
	NoTable     []crawler.WorkItem
	Records     int
	Interrupted bool
	Duration    time.Duration
}

// ExitCode maps the summary onto a process exit code. Permanent item
// failures still count as a clean completion.
func (s Summary) ExitCode() int {
	if s.Interrupted {
		return ExitInterrupted
	}
	return ExitOK
}

// Orchestrator runs every (symbol, page type) pair through the worker pool.
type Orchestrator struct {
	cfg    Config
	deps   worker.Deps
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Orchestrator. deps.Queue is replaced by the run's own queue.
func New(cfg Config, deps worker.Deps, logger *zap.Logger) *Orchestrator {
	if len(cfg.PageTypes) == 0 {
		cfg.PageTypes = crawler.AllPageTypes
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = dispatcher.DefaultConcurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// BuildItems returns the cartesian product of symbols and page types in
// symbol-major order. Blank and duplicate symbols are dropped.
func BuildItems(symbols []crawler.Symbol, pageTypes []crawler.PageType) []crawler.WorkItem {
	seen := make(map[crawler.Symbol]struct{}, len(symbols))
	items := make([]crawler.WorkItem, 0, len(symbols)*len(pageTypes))
	for _, raw := range symbols {
		sym := crawler.Symbol(strings.ToUpper(strings.TrimSpace(string(raw))))
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		for _, pt := range pageTypes {
			items = append(items, crawler.WorkItem{Symbol: sym, PageType: pt})
		}
	}
	return items
}

// Run processes every item until the queue drains or ctx is canceled. On
// cancellation no further items are dispatched; in-flight items keep running
// until they settle or ShutdownGrace elapses, after which they are aborted.
// Items never dequeued are reported as Pending.
func (o *Orchestrator) Run(ctx context.Context) Summary {
	start := o.now()
	items := BuildItems(o.cfg.Symbols, o.cfg.PageTypes)
	queue := memory.NewQueue(items...)
	queue.Close()

	logger := o.logger.With(zap.String("run_id", o.cfg.RunID))
	deps := o.deps
	deps.Queue = queue
	pool := dispatcher.NewPool(o.cfg.Concurrency, deps, o.cfg.Worker, logger)

	logger.Info("run started",
		zap.Int("symbols", len(items)/len(o.cfg.PageTypes)),
		zap.Int("items", len(items)),
		zap.Int("workers", pool.Size()),
	)

	// Cancellation of ctx stops dispatch only; work gets its own context.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	finished := make(chan struct{})
	interrupted := make(chan bool, 1)
	go func() {
		interrupted <- o.watch(ctx, logger, finished, cancelWork)
	}()

	summary := Summary{RunID: o.cfg.RunID}
	pool.Run(workCtx, ctx.Done(), func(res worker.Result) {
		summary.add(res)
	})
	close(finished)

	summary.Interrupted = <-interrupted
	summary.Pending = queue.Pending()
	summary.Duration = o.now().Sub(start)
	summary.sort()
	o.report(logger, summary)
	return summary
}

// watch reports whether ctx was canceled before the pool finished. After an
// interrupt it gives in-flight items ShutdownGrace to settle.
func (o *Orchestrator) watch(
	ctx context.Context,
	logger *zap.Logger,
	finished <-chan struct{},
	cancelWork context.CancelFunc,
) bool {
	select {
	case <-finished:
		return ctx.Err() != nil
	case <-ctx.Done():
	}
	logger.Warn("interrupt received; finishing in-flight items", zap.Duration("grace", o.cfg.ShutdownGrace))
	if o.cfg.OnInterrupt != nil {
		o.cfg.OnInterrupt()
	}

	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		logger.Error("shutdown grace elapsed; aborting in-flight items")
		cancelWork()
	}
	return true
}

func (s *Summary) add(res worker.Result) {
	s.Records += res.Records
	if res.State == retry.StateSucceeded {
		s.Succeeded = append(s.Succeeded, res.Item)
		if !res.TableFound {
			s.NoTable = append(s.NoTable, res.Item)
		}
		return
	}
	reason := string(res.State)
	if res.Err != nil {
		reason = fmt.Sprintf("%s after %d attempts: %v", res.State, res.Attempts, res.Err)
	}
	s.Failed = append(s.Failed, Failure{Item: res.Item, State: res.State, Attempts: res.Attempts, Reason: reason})
}

func (s *Summary) sort() {
	byItem := func(items []crawler.WorkItem) {
		sort.Slice(items, func(i, j int) bool { return items[i].String() < items[j].String() })
	}
	byItem(s.Succeeded)
	byItem(s.NoTable)
	sort.Slice(s.Failed, func(i, j int) bool { return s.Failed[i].Item.String() < s.Failed[j].Item.String() })
}

func (o *Orchestrator) report(logger *zap.Logger, s Summary) {
	logger.Info("run finished",
		zap.Int("succeeded", len(s.Succeeded)),
		zap.Int("failed", len(s.Failed)),
		zap.Int("pending", len(s.Pending)),
		zap.Int("no_table", len(s.NoTable)),
		zap.Int("records", s.Records),
		zap.Bool("interrupted", s.Interrupted),
		zap.Duration("duration", s.Duration),
	)
	for _, f := range s.Failed {
		logger.Error("permanently failed", zap.String("item", f.Item.String()), zap.String("reason", f.Reason))
	}
	for _, item := range s.Pending {
		logger.Warn("not dispatched", zap.String("item", item.String()))
	}
}
