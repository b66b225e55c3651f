package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

var shopifyNext = []string{"link[rel='next']", "a[rel='next']", ".pagination__item--next", ".pagination .next a"}

// Shopify handles hosted storefronts built on the Shopify theme conventions.
type Shopify struct {
	base
	fetcher crawler.Fetcher
}

// NewShopify builds the storefront adapter. fetcher powers SearchAPI.
func NewShopify(fetcher crawler.Fetcher) *Shopify {
	return &Shopify{
		base: base{
			name:     TypeShopify,
			siteType: crawler.SiteRetailer,
			search:   queryURL("/search", "q", "{keyword}", "type", "product"),
			pipeline: Profile{
				Containers: []string{".product-card", ".card-wrapper", ".grid-product", ".product-item", "li.grid__item", ".search-result", ".grid-view-item"},
				Titles:     []string{".card__heading", ".product-card__title", ".grid-product__title", ".product-item__title", ".grid-view-item__title"},
				Links:      []string{"a.full-unstyled-link", "a.product-card__link", "a[href*='/products/']"},
				Prices:     []string{".price-item--sale", ".price-item--regular", ".price__sale", ".price", ".money"},
				Images:     []string{".card__media img", ".product-card__image img"},
				Sellers:    []string{".card__vendor", ".product-card__vendor", ".grid-product__vendor"},
				SoldOut:    []string{".badge--sold-out", ".price--sold-out", ".sold-out"},
			}.build(),
		},
		fetcher: fetcher,
	}
}

// NextPageURL follows the theme's rel=next link.
func (s *Shopify) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, shopifyNext)
}

type shopifySuggest struct {
	Resources struct {
		Results struct {
			Products []struct {
				Title     string    `json:"title"`
				URL       string    `json:"url"`
				Price     flexFloat `json:"price"`
				Available *bool     `json:"available"`
				Image     string    `json:"image"`
				Vendor    string    `json:"vendor"`
			} `json:"products"`
		} `json:"results"`
	} `json:"resources"`
}

// SearchAPI queries the storefront predictive-search endpoint.
func (s *Shopify) SearchAPI(ctx context.Context, origin, keyword string, opts crawler.ScrapeOptions) ([]crawler.ScrapedItem, error) {
	if s.fetcher == nil {
		return nil, ErrUnsupported
	}
	origin = strings.TrimRight(origin, "/")
	endpoint := origin + "/search/suggest.json?" + url.Values{
		"q":                {keyword},
		"resources[type]":  {"product"},
		"resources[limit]": {"10"},
	}.Encode()
	body, err := s.fetcher.Fetch(ctx, endpoint, opts.SessionToken)
	if err != nil {
		return nil, apiError(err)
	}
	var payload shopifySuggest
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode suggest response: %v", ErrUnsupported, err)
	}
	items := make([]crawler.ScrapedItem, 0, len(payload.Resources.Results.Products))
	for _, p := range payload.Resources.Results.Products {
		link := crawler.ResolveURL(origin+"/", p.URL)
		if link == "" || p.Title == "" {
			continue
		}
		items = append(items, crawler.ScrapedItem{
			Title:     cleanText(p.Title),
			URL:       stripTrackingQuery(link),
			Price:     positive(p.Price.value),
			InStock:   p.Available,
			Thumbnail: crawler.ResolveURL(origin+"/", p.Image),
			Seller:    p.Vendor,
		})
	}
	return items, nil
}

// stripTrackingQuery drops the search-position parameters Shopify appends.
func stripTrackingQuery(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "_pos") || strings.HasPrefix(key, "_sid") || strings.HasPrefix(key, "_ss") ||
			strings.HasPrefix(key, "_psq") || key == "variant" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func positive(v *float64) *float64 {
	if v == nil || *v < MinPrice {
		return nil
	}
	return v
}
