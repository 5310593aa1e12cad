package crawler

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is an opaque ticker identifier such as "AAPL".
type Symbol string

// PageType selects both the target URL path and the extraction strategy.
type PageType string

// Supported page types.
const (
	PageFinancials   PageType = "financials"
	PageBalanceSheet PageType = "balance_sheet"
	PageCashFlow     PageType = "cash_flow"
)

// AllPageTypes lists every supported page type in canonical order.
var AllPageTypes = []PageType{PageFinancials, PageBalanceSheet, PageCashFlow}

var pagePaths = map[PageType]string{
	PageFinancials:   "income-statement",
	PageBalanceSheet: "balance-sheet",
	PageCashFlow:     "cash-flow-statement",
}

// ParsePageType converts a configuration value into a PageType. It accepts
// the canonical names as well as the URL path segments.
func ParsePageType(raw string) (PageType, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	for pt, path := range pagePaths {
		if value == string(pt) || value == strings.ReplaceAll(path, "-", "_") {
			return pt, nil
		}
	}
	return "", fmt.Errorf("unknown page type %q", raw)
}

// Path returns the URL path segment for the page type.
func (p PageType) Path() string {
	return pagePaths[p]
}

// Valid reports whether p is a known page type.
func (p PageType) Valid() bool {
	_, ok := pagePaths[p]
	return ok
}

// WorkItem is one (symbol, page type) unit of fetch-and-extract work.
type WorkItem struct {
	Symbol   Symbol
	PageType PageType
}

// String renders the item as SYMBOL/page_type.
func (w WorkItem) String() string {
	return fmt.Sprintf("%s/%s", w.Symbol, w.PageType)
}

// URL builds the page URL below baseURL, e.g. <base>/AAPL/income-statement.
func (w WorkItem) URL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(string(w.Symbol)) + "/" + w.PageType.Path()
}

// ProxyEndpoint is an outbound proxy with optional credentials.
type ProxyEndpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// Address returns host:port.
func (p ProxyEndpoint) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy URL including credentials.
func (p ProxyEndpoint) URL() *url.URL {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: p.Address()}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// String is safe to log: credentials are never included.
func (p ProxyEndpoint) String() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + p.Address()
}

// FetchRequest captures everything needed to fetch one page.
type FetchRequest struct {
	URL     string
	Proxy   *ProxyEndpoint
	Headers http.Header
}

// FetchResponse is the successful outcome of a fetch, after redirects.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Redirects  int
	Duration   time.Duration
}

// Record is the unit of output: one value of one field for one period.
type Record struct {
	Symbol   Symbol           `json:"symbol"`
	PageType PageType         `json:"page_type"`
	Year     string           `json:"year"`
	Field    string           `json:"field"`
	Value    string           `json:"value"`
	Numeric  *decimal.Decimal `json:"numeric,omitempty"`
}

// NewRecord builds a Record and parses a numeric form of value when one exists.
func NewRecord(item WorkItem, year, field, value string) Record {
	return Record{
		Symbol:   item.Symbol,
		PageType: item.PageType,
		Year:     year,
		Field:    field,
		Value:    value,
		Numeric:  ParseNumeric(value),
	}
}

// Fields returns the record in output field order.
func (r Record) Fields() []string {
	return []string{string(r.Symbol), string(r.PageType), r.Year, r.Field, r.Value}
}

// ParseNumeric understands statement-style values: thousands separators,
// a leading currency sign, a trailing percent sign, and parenthesised
// negatives. It returns nil when the value is not numeric.
func ParseNumeric(raw string) *decimal.Decimal {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	if negative {
		d = d.Neg()
	}
	return &d
}
