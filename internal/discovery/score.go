package discovery

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

const (
	navBonus      = 1
	affinityBonus = 2
	deepPenalty   = 3
	maxPathDepth  = 4
)

// urlAffinity weights path tokens that usually lead to listing pages.
var urlAffinity = map[string]int{
	"shop": 3, "store": 3, "products": 3, "product-category": 3, "collections": 3,
	"catalog": 3, "inventory": 3, "category": 2, "categories": 2, "new-arrivals": 2,
	"deals": 2, "used": 2, "forums": 3, "forum": 3, "classifieds": 4, "marketplace": 3,
	"for-sale": 4, "forsale": 4, "buy-sell": 4, "wts": 3, "listings": 3,
	"auction": 3, "auctions": 3, "lots": 3,
}

// textAffinity weights link labels.
var textAffinity = map[string]int{
	"shop": 2, "store": 2, "products": 2, "catalog": 2, "inventory": 2,
	"new arrivals": 2, "deals": 2, "for sale": 3, "classifieds": 3, "marketplace": 3,
	"buy/sell": 3, "forum": 2, "forums": 2, "auctions": 3, "lots": 2, "buy": 1,
}

// typeAffinity lists tokens that match a site family's listing pages.
var typeAffinity = map[crawler.SiteType][]string{
	crawler.SiteRetailer:    {"shop", "products", "collections", "category", "store"},
	crawler.SiteForum:       {"forum", "threads", "classifieds", "board", "for-sale"},
	crawler.SiteClassifieds: {"classifieds", "listings", "for-sale", "ads"},
	crawler.SiteAuction:     {"auction", "lots", "catalog", "sale"},
}

var skipTokens = []string{
	"login", "logout", "log-in", "signin", "sign-in", "signup", "register", "cart",
	"checkout", "account", "wishlist", "privacy", "terms", "contact", "about", "faq", "help",
}

const (
	navRegions   = "nav a[href], header a[href], aside a[href], .sidebar a[href], .menu a[href], [role='navigation'] a[href]"
	platformLink = ".p-nav-list a[href], a.forumtitle, .node-title a[href], .site-nav a[href], a.header__menu-item, " +
		".menu-item a[href], .product-categories a[href], .wc-block-product-categories a[href], .collection-list a[href]"
)

type candidate struct {
	URL   string
	Text  string
	Score int
	inNav bool
}

// candidates gathers same-host navigation links from the homepage, scored and
// ordered best first.
func candidates(doc *goquery.Document, pageURL string, siteType crawler.SiteType) []candidate {
	host := crawler.Hostname(pageURL)
	home := crawler.NormalizeOrRaw(pageURL)
	byURL := make(map[string]*candidate)
	var order []string

	collect := func(selector string, inNav bool) {
		doc.Find(selector).Each(func(_ int, a *goquery.Selection) {
			link := crawler.ResolveURL(pageURL, a.AttrOr("href", ""))
			if link == "" || crawler.Hostname(link) != host {
				return
			}
			key := crawler.NormalizeOrRaw(link)
			if key == home || skipped(key) {
				return
			}
			if c, ok := byURL[key]; ok {
				c.inNav = c.inNav || inNav
				return
			}
			byURL[key] = &candidate{URL: key, Text: strings.ToLower(strings.Join(strings.Fields(a.Text()), " ")), inNav: inNav}
			order = append(order, key)
		})
	}
	collect(navRegions, true)
	collect(platformLink, false)

	out := make([]candidate, 0, len(order))
	for _, key := range order {
		c := byURL[key]
		c.Score = score(*c, siteType)
		if c.Score > 0 {
			out = append(out, *c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func score(c candidate, siteType crawler.SiteType) int {
	u, err := url.Parse(c.URL)
	if err != nil {
		return 0
	}
	path := strings.ToLower(u.Path)
	segments := pathSegments(path)
	tokens := make(map[string]struct{})
	for _, seg := range segments {
		tokens[seg] = struct{}{}
		for _, part := range strings.FieldsFunc(seg, func(r rune) bool { return r == '.' || r == '_' }) {
			tokens[part] = struct{}{}
		}
	}

	total := 0
	for token, weight := range urlAffinity {
		if _, ok := tokens[token]; ok {
			total += weight
		}
	}
	for phrase, weight := range textAffinity {
		if containsWord(c.Text, phrase) {
			total += weight
		}
	}
	if c.inNav && total > 0 {
		total += navBonus
	}
	for _, token := range typeAffinity[siteType] {
		if strings.Contains(path, token) || strings.Contains(c.Text, token) {
			total += affinityBonus
			break
		}
	}
	if len(segments) > maxPathDepth {
		total -= deepPenalty
	}
	return total
}

func pathSegments(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func containsWord(text, phrase string) bool {
	for idx := strings.Index(text, phrase); idx >= 0; {
		end := idx + len(phrase)
		beforeOK := idx == 0 || !isWordByte(text[idx-1])
		afterOK := end == len(text) || !isWordByte(text[end])
		if beforeOK && afterOK {
			return true
		}
		next := strings.Index(text[idx+1:], phrase)
		if next < 0 {
			break
		}
		idx += next + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

func skipped(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return true
	}
	path := strings.ToLower(u.Path + "?" + u.RawQuery)
	for _, token := range skipTokens {
		if strings.Contains(path, token) {
			return true
		}
	}
	return false
}
