package adapter

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

var genericNext = []string{"link[rel='next']", "a[rel='next']", ".pagination .next a", "a.next"}

// genericContainers merges every family's listing containers with common
// catalog markup.
var genericContainers = []string{
	".product-card", ".product-item", "li.product", ".product", ".grid-product",
	".structItem--thread", "li.row", ".topic", ".thread",
	".listing-card", ".listing", ".classified", "[data-listing-id]", ".result-row",
	".lot-tile", ".lot-card", ".lot",
	"[itemtype*='Product']", "article", ".card", ".item",
}

// Generic is the fallback for unmapped domains. Its cascade never returns
// nothing when the keyword appears on the page.
type Generic struct {
	base
}

// NewGeneric builds the fallback adapter.
func NewGeneric() *Generic {
	return &Generic{base: base{
		name:     TypeGeneric,
		siteType: crawler.SiteGeneric,
		search:   queryURL("/search", "q", "{keyword}"),
		pipeline: Profile{
			Containers: genericContainers,
			Prices:     []string{"[itemprop='price']", ".price", ".amount"},
			Dates:      []string{".date", ".posted"},
			Sellers:    []string{".seller", ".vendor", ".username", ".author"},
			SoldOut:    []string{".sold-out", ".soldout", ".outofstock", ".out-of-stock", ".sold"},
		}.build(),
	}}
}

// Extract runs the broadened container scan, then keyword anchors, then a
// single page-level match.
func (g *Generic) Extract(doc *goquery.Document, keyword, baseURL string, opts crawler.ScrapeOptions) []crawler.ScrapedItem {
	if doc == nil {
		return nil
	}
	if items := g.base.Extract(doc, keyword, baseURL, opts); len(items) > 0 {
		return items
	}
	if items := keywordAnchors(doc, keyword, baseURL); len(items) > 0 {
		return items
	}
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" || !strings.Contains(strings.ToLower(doc.Find("body").Text()), needle) {
		return nil
	}
	return []crawler.ScrapedItem{{
		Title: fmt.Sprintf("Keyword %q found on page", strings.TrimSpace(keyword)),
		URL:   baseURL,
	}}
}

// NextPageURL follows rel=next style links.
func (g *Generic) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, genericNext)
}

func keywordAnchors(doc *goquery.Document, keyword, baseURL string) []crawler.ScrapedItem {
	needle := strings.ToLower(strings.TrimSpace(keyword))
	if needle == "" {
		return nil
	}
	var items []crawler.ScrapedItem
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		title := cleanText(a.Text())
		if title == "" {
			title = cleanText(a.AttrOr("title", ""))
		}
		if !strings.Contains(strings.ToLower(title), needle) {
			return
		}
		link := crawler.ResolveURL(baseURL, a.AttrOr("href", ""))
		if link == "" {
			return
		}
		key := titleKey(title)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		items = append(items, crawler.ScrapedItem{
			Title: title,
			URL:   link,
			Price: ParsePrice(cleanText(a.Parent().Text())),
		})
	})
	return items
}
