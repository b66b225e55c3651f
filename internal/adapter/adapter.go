// Package adapter holds one extraction strategy per site family plus the
// shared selector pipeline they are built from.
package adapter

import (
	"context"
	"errors"
	"sort"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// ErrUnsupported is returned by APISearcher when the site exposes no usable API.
var ErrUnsupported = errors.New("api search unsupported")

// Adapter types registered in a Set.
const (
	TypeShopify     = "shopify"
	TypeWooCommerce = "woocommerce"
	TypeXenForo     = "xenforo"
	TypePhpBB       = "phpbb"
	TypeClassifieds = "classifieds"
	TypeAuction     = "auction"
	TypeGeneric     = "generic"
)

// Adapter knows how to search one site family and extract listings from it.
type Adapter interface {
	Name() string
	SiteType() crawler.SiteType
	SearchURL(origin, keyword string) string
	Extract(doc *goquery.Document, keyword, baseURL string, opts crawler.ScrapeOptions) []crawler.ScrapedItem
}

// APISearcher is implemented by adapters that can query a structured API.
type APISearcher interface {
	SearchAPI(ctx context.Context, origin, keyword string, opts crawler.ScrapeOptions) ([]crawler.ScrapedItem, error)
}

// Paginator is implemented by adapters that can find the next results page.
type Paginator interface {
	NextPageURL(doc *goquery.Document, currentURL string) (string, bool)
}

// Set maps adapter types to their instances.
type Set struct {
	byType  map[string]Adapter
	generic Adapter
}

// NewSet registers every built-in adapter. fetcher is used by API searchers.
func NewSet(fetcher crawler.Fetcher) *Set {
	generic := NewGeneric()
	return &Set{
		byType: map[string]Adapter{
			TypeShopify:     NewShopify(fetcher),
			TypeWooCommerce: NewWooCommerce(fetcher),
			TypeXenForo:     NewXenForo(),
			TypePhpBB:       NewPhpBB(),
			TypeClassifieds: NewClassifieds(),
			TypeAuction:     NewAuction(),
			TypeGeneric:     generic,
		},
		generic: generic,
	}
}

// Get returns the adapter registered for adapterType.
func (s *Set) Get(adapterType string) (Adapter, bool) {
	a, ok := s.byType[adapterType]
	return a, ok
}

// All returns every registered adapter ordered by type.
func (s *Set) All() []Adapter {
	types := s.Types()
	out := make([]Adapter, 0, len(types))
	for _, t := range types {
		out = append(out, s.byType[t])
	}
	return out
}

// Generic returns the fallback adapter.
func (s *Set) Generic() Adapter {
	return s.generic
}

// Types lists registered adapter types in lexical order.
func (s *Set) Types() []string {
	out := make([]string, 0, len(s.byType))
	for t := range s.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
