package crawler

import (
	"context"

	"github.com/PuerkitoBio/goquery"
)

// Fetcher retrieves a page, following redirects up to its hop budget.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ProxySelector hands out a live proxy, or reports that none is usable.
type ProxySelector interface {
	Select(ctx context.Context) (ProxyEndpoint, bool)
}

// Extractor turns a parsed document into records.
type Extractor interface {
	Extract(doc *goquery.Document, item WorkItem) Extraction
}

// Extraction is the result of extracting one document.
type Extraction struct {
	Records     []Record
	TableFound  bool
	SkippedRows int
	Filtered    int
}

// RecordSink receives emitted records. Implementations must be safe for
// concurrent use.
type RecordSink interface {
	Emit(ctx context.Context, record Record) error
	Close() error
}

// RobotsChecker answers whether a URL may be fetched.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// Limiter delays requests for politeness.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}
