package adapter

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// titleDedupeLen is how many leading characters of a case-folded title
// identify near-identical DOM matches within one page.
const titleDedupeLen = 60

// Profile lists the selectors an adapter prefers for each listing field, in
// priority order. Shared fallbacks are appended when the pipeline is built.
type Profile struct {
	Containers []string
	Titles     []string
	Links      []string
	Prices     []string
	Images     []string
	Dates      []string
	Sellers    []string
	SoldOut    []string
	// MinMatches stops the container scan once this many items were found.
	MinMatches int
}

// fieldRule extracts one value from a listing container.
type fieldRule func(sel *goquery.Selection, baseURL string) (string, bool)

// stockRule decides stock status from a container, if it can.
type stockRule func(sel *goquery.Selection) (bool, bool)

// pipeline is a Profile compiled into ordered rule chains.
type pipeline struct {
	containers []string
	minMatches int
	title      []fieldRule
	link       []fieldRule
	price      []func(sel *goquery.Selection) *float64
	thumbnail  []fieldRule
	postDate   []fieldRule
	seller     []fieldRule
	stock      []stockRule
}

var (
	genericTitleSelectors = []string{"h2", "h3", "h4", ".title", "[itemprop='name']"}
	lazyImageAttrs        = []string{"data-src", "data-lazy-src", "data-original", "data-srcset", "srcset", "src"}
	placeholderMarkers    = []string{
		"placeholder", "spinner", "loading", "blank.", "pixel.", "spacer", "lazy-load",
		"data:image", "transparent", "no-image", "noimage", "1x1",
	}
	soldOutPhrases = []string{"sold out", "out of stock", "currently unavailable", "no longer available"}
	inStockPhrases = []string{"in stock", "add to cart", "add to basket", "buy now", "available now"}
)

func (p Profile) build() pipeline {
	minMatches := p.MinMatches
	if minMatches <= 0 {
		minMatches = 1
	}
	pl := pipeline{containers: p.Containers, minMatches: minMatches}

	pl.title = []fieldRule{textAt(p.Titles...), titleAttr(), textAt(genericTitleSelectors...), linkText(), ownText()}
	pl.link = []fieldRule{hrefAt(p.Links...), selfHref(), hrefAt("a[href]")}
	pl.price = []func(*goquery.Selection) *float64{fieldPrice(p.Prices...), textPrice()}
	pl.thumbnail = []fieldRule{imageAt(append(append([]string{}, p.Images...), "img")...)}
	pl.postDate = []fieldRule{attrAt("time[datetime]", "datetime"), textAt("time"), textAt(p.Dates...)}
	pl.seller = []fieldRule{textAt(p.Sellers...)}
	pl.stock = []stockRule{presence(p.SoldOut...), disabledBuy(), phraseStock()}
	return pl
}

// extract scans containers in priority order, keeping those that mention the
// keyword, and stops at the first selector yielding enough matches.
func (pl pipeline) extract(doc *goquery.Document, keyword, baseURL string) []crawler.ScrapedItem {
	if doc == nil {
		return nil
	}
	needle := strings.ToLower(strings.TrimSpace(keyword))
	var (
		items []crawler.ScrapedItem
		seen  = make(map[string]struct{})
	)
	for _, selector := range pl.containers {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if needle != "" && !strings.Contains(strings.ToLower(sel.Text()), needle) {
				return
			}
			item, ok := pl.item(sel, baseURL)
			if !ok {
				return
			}
			key := titleKey(item.Title)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
			items = append(items, item)
		})
		if len(items) >= pl.minMatches {
			break
		}
	}
	return items
}

func (pl pipeline) item(sel *goquery.Selection, baseURL string) (crawler.ScrapedItem, bool) {
	link := firstOf(sel, baseURL, pl.link)
	title := firstOf(sel, baseURL, pl.title)
	if link == "" || title == "" {
		return crawler.ScrapedItem{}, false
	}
	item := crawler.ScrapedItem{
		Title:     title,
		URL:       link,
		Thumbnail: firstOf(sel, baseURL, pl.thumbnail),
		PostDate:  firstOf(sel, baseURL, pl.postDate),
		Seller:    firstOf(sel, baseURL, pl.seller),
	}
	for _, rule := range pl.price {
		if p := rule(sel); p != nil {
			item.Price = p
			break
		}
	}
	inStock := true
	for _, rule := range pl.stock {
		if v, ok := rule(sel); ok {
			inStock = v
			break
		}
	}
	item.InStock = &inStock
	return item, true
}

func firstOf(sel *goquery.Selection, baseURL string, rules []fieldRule) string {
	for _, rule := range rules {
		if v, ok := rule(sel, baseURL); ok {
			return v
		}
	}
	return ""
}

func titleKey(title string) string {
	key := strings.ToLower(strings.Join(strings.Fields(title), " "))
	if utf8.RuneCountInString(key) > titleDedupeLen {
		key = string([]rune(key)[:titleDedupeLen])
	}
	return key
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func textAt(selectors ...string) fieldRule {
	return func(sel *goquery.Selection, _ string) (string, bool) {
		for _, s := range selectors {
			if s == "" {
				continue
			}
			if t := cleanText(sel.Find(s).First().Text()); t != "" {
				return t, true
			}
		}
		return "", false
	}
}

func attrAt(selector, attr string) fieldRule {
	return func(sel *goquery.Selection, _ string) (string, bool) {
		if v, ok := sel.Find(selector).First().Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
		return "", false
	}
}

func titleAttr() fieldRule {
	return func(sel *goquery.Selection, _ string) (string, bool) {
		if v, ok := sel.Find("a[title]").First().Attr("title"); ok && cleanText(v) != "" {
			return cleanText(v), true
		}
		return "", false
	}
}

func linkText() fieldRule {
	return func(sel *goquery.Selection, _ string) (string, bool) {
		var out string
		sel.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			out = cleanText(a.Text())
			return out == ""
		})
		return out, out != ""
	}
}

func ownText() fieldRule {
	return func(sel *goquery.Selection, _ string) (string, bool) {
		t := cleanText(sel.Text())
		if utf8.RuneCountInString(t) > 200 {
			t = string([]rune(t)[:200])
		}
		return t, t != ""
	}
}

func hrefAt(selectors ...string) fieldRule {
	return func(sel *goquery.Selection, baseURL string) (string, bool) {
		for _, s := range selectors {
			if s == "" {
				continue
			}
			var out string
			sel.Find(s).EachWithBreak(func(_ int, a *goquery.Selection) bool {
				if href, ok := a.Attr("href"); ok {
					out = crawler.ResolveURL(baseURL, href)
				}
				return out == ""
			})
			if out != "" {
				return out, true
			}
		}
		return "", false
	}
}

func selfHref() fieldRule {
	return func(sel *goquery.Selection, baseURL string) (string, bool) {
		if !sel.Is("a") {
			return "", false
		}
		href, _ := sel.Attr("href")
		out := crawler.ResolveURL(baseURL, href)
		return out, out != ""
	}
}

func imageAt(selectors ...string) fieldRule {
	return func(sel *goquery.Selection, baseURL string) (string, bool) {
		for _, s := range selectors {
			var out string
			sel.Find(s).EachWithBreak(func(_ int, img *goquery.Selection) bool {
				out = imageSource(img, baseURL)
				return out == ""
			})
			if out != "" {
				return out, true
			}
		}
		return "", false
	}
}

// imageSource prefers lazy-load attributes over src and skips placeholders.
func imageSource(img *goquery.Selection, baseURL string) string {
	for _, attr := range lazyImageAttrs {
		v, ok := img.Attr(attr)
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if strings.HasSuffix(attr, "srcset") {
			v = firstSrcset(v)
		}
		if v == "" || isPlaceholder(v) {
			continue
		}
		if resolved := crawler.ResolveURL(baseURL, v); resolved != "" {
			return resolved
		}
	}
	return ""
}

func firstSrcset(v string) string {
	first, _, _ := strings.Cut(v, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func isPlaceholder(src string) bool {
	lower := strings.ToLower(src)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func fieldPrice(selectors ...string) func(*goquery.Selection) *float64 {
	return func(sel *goquery.Selection) *float64 {
		for _, s := range selectors {
			if s == "" {
				continue
			}
			var out *float64
			sel.Find(s).EachWithBreak(func(_ int, el *goquery.Selection) bool {
				out = parseFieldPrice(cleanText(el.Text()))
				return out == nil
			})
			if out != nil {
				return out
			}
		}
		return nil
	}
}

func textPrice() func(*goquery.Selection) *float64 {
	return func(sel *goquery.Selection) *float64 {
		return ParsePrice(cleanText(sel.Text()))
	}
}

func presence(selectors ...string) stockRule {
	return func(sel *goquery.Selection) (bool, bool) {
		for _, s := range selectors {
			if s != "" && (sel.Is(s) || sel.Find(s).Length() > 0) {
				return false, true
			}
		}
		return false, false
	}
}

func disabledBuy() stockRule {
	return func(sel *goquery.Selection) (bool, bool) {
		disabled := false
		sel.Find("button[disabled], input[type='submit'][disabled], [aria-disabled='true']").EachWithBreak(
			func(_ int, b *goquery.Selection) bool {
				label := strings.ToLower(b.Text() + " " + b.AttrOr("value", ""))
				disabled = strings.Contains(label, "cart") || strings.Contains(label, "buy") ||
					strings.Contains(label, "sold")
				return !disabled
			})
		return false, disabled
	}
}

func phraseStock() stockRule {
	return func(sel *goquery.Selection) (bool, bool) {
		text := strings.ToLower(sel.Text())
		for _, phrase := range soldOutPhrases {
			if strings.Contains(text, phrase) {
				return false, true
			}
		}
		for _, phrase := range inStockPhrases {
			if strings.Contains(text, phrase) {
				return true, true
			}
		}
		return false, false
	}
}

// nextLink resolves the first matching pagination link, rejecting links back
// to the current page.
func nextLink(doc *goquery.Document, currentURL string, selectors []string) (string, bool) {
	if doc == nil {
		return "", false
	}
	current := crawler.NormalizeOrRaw(currentURL)
	for _, s := range selectors {
		href, ok := doc.Find(s).First().Attr("href")
		if !ok {
			continue
		}
		next := crawler.ResolveURL(currentURL, href)
		if next != "" && crawler.NormalizeOrRaw(next) != current {
			return next, true
		}
	}
	return "", false
}
