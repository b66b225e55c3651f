package discovery

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// KeywordPlaceholder marks where a search template takes the keyword.
const KeywordPlaceholder = "{keyword}"

type signal struct {
	siteType crawler.SiteType
	selector string
}

// signals classify a page from its DOM; the first match wins.
var signals = []signal{
	{crawler.SiteForum, ".structItem, .p-body-pageContent, #phpbb, .forabg, .topiclist, html[data-app='public'], .threadbit, .discussionListItem"},
	{crawler.SiteAuction, ".lot-tile, .auction-lot, [data-lot-id], .current-bid, .bid-amount, .lot-card"},
	{crawler.SiteRetailer, "[data-shopify], .shopify-section, .product-card, li.product, .woocommerce, .add-to-cart, [itemtype*='Product'], form[action*='/cart']"},
	{crawler.SiteClassifieds, ".listing-card, .classified, .ad-listing, [data-listing-id], .result-row"},
}

// densityGroups count listing-like elements per site family.
var densityGroups = map[crawler.SiteType][]string{
	crawler.SiteForum:       {".structItem--thread", "li.row", ".threadbit", ".discussionListItem", ".topic"},
	crawler.SiteAuction:     {".lot-tile", ".auction-lot", "[data-lot-id]", ".lot-card", ".lot"},
	crawler.SiteRetailer:    {".product-card", "li.product", ".grid-product", ".product-item", "[itemtype*='Product']"},
	crawler.SiteClassifieds: {".listing-card", ".listing", ".classified", "[data-listing-id]", ".result-row"},
}

var searchInputNames = []string{"q", "s", "query", "keywords", "keyword", "search", "search_query", "term", "k"}

func classify(doc *goquery.Document) crawler.SiteType {
	for _, s := range signals {
		if doc.Find(s.selector).Length() > 0 {
			return s.siteType
		}
	}
	return crawler.SiteGeneric
}

// density counts listing-like elements, using the best selector in the site
// family's group and falling back to article elements.
func density(doc *goquery.Document, siteType crawler.SiteType) int {
	var groups [][]string
	if g, ok := densityGroups[siteType]; ok {
		groups = append(groups, g)
	} else {
		for _, st := range []crawler.SiteType{crawler.SiteForum, crawler.SiteAuction, crawler.SiteRetailer, crawler.SiteClassifieds} {
			groups = append(groups, densityGroups[st])
		}
	}
	best := 0
	for _, group := range groups {
		for _, sel := range group {
			if n := doc.Find(sel).Length(); n > best {
				best = n
			}
		}
	}
	if best == 0 {
		best = doc.Find("article").Length()
	}
	return best
}

// searchTemplate synthesizes a keyword-substitutable URL from the first GET
// search form on the page.
func searchTemplate(doc *goquery.Document, pageURL string) string {
	var out string
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		method := strings.ToLower(strings.TrimSpace(form.AttrOr("method", "get")))
		if method != "" && method != "get" {
			return true
		}
		name := searchInputName(form)
		if name == "" {
			return true
		}
		action := strings.TrimSpace(form.AttrOr("action", ""))
		if action == "" {
			action = "/"
		}
		target := crawler.ResolveURL(pageURL, action)
		if target == "" || crawler.Hostname(target) != crawler.Hostname(pageURL) {
			return true
		}
		u, err := url.Parse(target)
		if err != nil {
			return true
		}
		hidden := u.Query()
		form.Find("input[type='hidden'][name]").Each(func(_ int, in *goquery.Selection) {
			hidden.Set(in.AttrOr("name", ""), in.AttrOr("value", ""))
		})
		hidden.Del(name)
		u.RawQuery = ""
		u.Fragment = ""
		query := hidden.Encode()
		if query != "" {
			query += "&"
		}
		out = u.String() + "?" + query + url.QueryEscape(name) + "=" + KeywordPlaceholder
		return false
	})
	return out
}

func searchInputName(form *goquery.Selection) string {
	var found string
	form.Find("input[name]").EachWithBreak(func(_ int, in *goquery.Selection) bool {
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if typ != "text" && typ != "search" {
			return true
		}
		name := in.AttrOr("name", "")
		for _, known := range searchInputNames {
			if strings.EqualFold(name, known) {
				found = name
				return false
			}
		}
		if typ == "search" {
			found = name
			return false
		}
		return true
	})
	return found
}

type scoredPage struct {
	url     string
	density int
}

func rankPages(pages []scoredPage, limit int) []string {
	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].density != pages[j].density {
			return pages[i].density > pages[j].density
		}
		return pages[i].url < pages[j].url
	})
	if len(pages) > limit {
		pages = pages[:limit]
	}
	out := make([]string, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.url)
	}
	return out
}
