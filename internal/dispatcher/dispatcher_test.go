package dispatcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
	"github.com/JakeFAU/statement-crawler/internal/extract"
	"github.com/JakeFAU/statement-crawler/internal/queue/memory"
	"github.com/JakeFAU/statement-crawler/internal/retry"
	"github.com/JakeFAU/statement-crawler/internal/worker"
)

type countingFetcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
	delay    time.Duration
	gate     chan struct{}
}

func (f *countingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return crawler.FetchResponse{}, crawler.ClassifyTransportError(req.URL, ctx.Err())
		}
	}
	if f.delay > 0 {
		time.Sleep(time.Duration(rand.Int64N(int64(f.delay))))
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("<html></html>")}, nil
}

type discardSink struct{}

func (discardSink) Emit(context.Context, crawler.Record) error { return nil }
func (discardSink) Close() error                               { return nil }

func items(n int) []crawler.WorkItem {
	out := make([]crawler.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, crawler.WorkItem{Symbol: crawler.Symbol(fmt.Sprintf("S%03d", i)), PageType: crawler.PageFinancials})
	}
	return out
}

func deps(q *memory.Queue, f crawler.Fetcher) worker.Deps {
	return worker.Deps{
		Queue:     q,
		Fetcher:   f,
		Extractor: extract.New(nil),
		Sink:      discardSink{},
		Retry:     retry.NewPolicy(1, 0, 0),
	}
}

func TestRunProcessesEveryItemOnce(t *testing.T) {
	t.Parallel()

	const total = 60
	q := memory.NewQueue(items(total)...)
	f := &countingFetcher{delay: 2 * time.Millisecond}
	d := NewPool(4, deps(q, f), worker.Config{BaseURL: "https://statements.test"}, zap.NewNop())
	require.Equal(t, 4, d.Size())

	seen := make(map[crawler.WorkItem]int)
	d.Run(context.Background(), make(chan struct{}), func(r worker.Result) {
		seen[r.Item]++
	})

	require.Len(t, seen, total)
	for it, n := range seen {
		require.Equal(t, 1, n, "item %s", it)
	}
	require.EqualValues(t, total, f.calls.Load())
	require.LessOrEqual(t, f.peak.Load(), int32(4))
	require.Zero(t, q.Len())
}

func TestRunStopLeavesRemainderPending(t *testing.T) {
	t.Parallel()

	const total, workers = 10, 3
	q := memory.NewQueue(items(total)...)
	f := &countingFetcher{gate: make(chan struct{})}
	d := NewPool(workers, deps(q, f), worker.Config{}, zap.NewNop())

	stop := make(chan struct{})
	var mu sync.Mutex
	var results []worker.Result
	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), stop, func(r worker.Result) {
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return f.inFlight.Load() == workers }, time.Second, 5*time.Millisecond)
	close(stop)
	close(f.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, workers)
	for _, r := range results {
		require.Equal(t, retry.StateSucceeded, r.State)
	}
	require.Equal(t, total-workers, q.Len())
}

func TestNewPoolDefaultsSize(t *testing.T) {
	t.Parallel()

	d := NewPool(0, worker.Deps{}, worker.Config{}, nil)
	require.Equal(t, DefaultConcurrency, d.Size())
}

func TestRunWithEmptyQueueReturns(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	d := NewPool(5, deps(q, &countingFetcher{}), worker.Config{}, zap.NewNop())
	d.Run(context.Background(), make(chan struct{}), nil)
}
