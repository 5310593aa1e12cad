// Package extract turns statement pages into normalized records.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// Extractor implements crawler.Extractor over a strategy registry. It holds
// no mutable state and may be shared by all workers.
type Extractor struct {
	registry *Registry
}

var _ crawler.Extractor = (*Extractor)(nil)

// New builds an Extractor. A nil registry uses DefaultRegistry.
func New(registry *Registry) *Extractor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Extractor{registry: registry}
}

// Extract pairs header cells with row values by index. A missing table yields
// an empty Extraction with TableFound false.
func (e *Extractor) Extract(doc *goquery.Document, item crawler.WorkItem) crawler.Extraction {
	var out crawler.Extraction
	if doc == nil {
		return out
	}
	strategy := e.registry.Lookup(item.PageType)

	table := doc.Find(strategy.Container).First()
	if table.Length() == 0 {
		return out
	}
	out.TableFound = true

	headers := cellTexts(table.Find(strategy.Header))
	table.Find(strategy.Row).Each(func(_ int, row *goquery.Selection) {
		label := strings.TrimSpace(row.Find(strategy.Label).First().Text())
		if label == "" {
			out.SkippedRows++
			return
		}
		values := cellTexts(row.Find(strategy.Value))
		for i, header := range headers {
			if i >= len(values) {
				break
			}
			if strategy.Missing(values[i]) {
				out.Filtered++
				continue
			}
			out.Records = append(out.Records, crawler.NewRecord(item, header, label, values[i]))
		}
	})
	return out
}

// ExtractHTML parses body and extracts it.
func (e *Extractor) ExtractHTML(body []byte, item crawler.WorkItem) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse html: %w", err)
	}
	return e.Extract(doc, item), nil
}

func cellTexts(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, cell *goquery.Selection) {
		out = append(out, strings.TrimSpace(cell.Text()))
	})
	return out
}
