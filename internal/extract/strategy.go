package extract

import (
	"strings"

	"github.com/JakeFAU/statement-crawler/internal/crawler"
)

// Strategy describes where a page keeps its statement table and which cell
// values mean "no data".
type Strategy struct {
	Container string
	Header    string
	Row       string
	Label     string
	Value     string
	// ExactSentinels are compared against the whole trimmed value, ignoring case.
	ExactSentinels []string
	// SubstringSentinels filter any value containing them, ignoring case.
	SubstringSentinels []string
}

// DefaultStrategy matches the statement tables served for every page type.
func DefaultStrategy() Strategy {
	return Strategy{
		Container:          `table[data-test-id="table"]`,
		Header:             "thead th",
		Row:                "tbody tr",
		Label:              "th",
		Value:              "td",
		ExactSentinels:     []string{"-", "--", "—", "N/A"},
		SubstringSentinels: []string{"view ratings"},
	}
}

// Missing reports whether value carries no data and must not become a Record.
func (s Strategy) Missing(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return true
	}
	for _, sentinel := range s.ExactSentinels {
		if strings.EqualFold(v, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(v)
	for _, sentinel := range s.SubstringSentinels {
		if sentinel != "" && strings.Contains(lower, strings.ToLower(sentinel)) {
			return true
		}
	}
	return false
}

// Registry maps page types to strategies.
type Registry struct {
	strategies map[crawler.PageType]Strategy
	fallback   Strategy
}

// NewRegistry returns a registry that answers fallback for unregistered page types.
func NewRegistry(fallback Strategy) *Registry {
	return &Registry{
		strategies: make(map[crawler.PageType]Strategy),
		fallback:   fallback,
	}
}

// DefaultRegistry registers DefaultStrategy for every known page type.
func DefaultRegistry() *Registry {
	r := NewRegistry(DefaultStrategy())
	for _, pt := range crawler.AllPageTypes {
		r.Register(pt, DefaultStrategy())
	}
	return r
}

// Register installs the strategy for a page type, replacing any previous one.
func (r *Registry) Register(pageType crawler.PageType, strategy Strategy) {
	r.strategies[pageType] = strategy
}

// Lookup returns the strategy for pageType.
func (r *Registry) Lookup(pageType crawler.PageType) Strategy {
	if s, ok := r.strategies[pageType]; ok {
		return s
	}
	return r.fallback
}
