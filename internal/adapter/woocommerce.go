package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

var wooNext = []string{"a.next.page-numbers", "link[rel='next']", "a[rel='next']"}

// WooCommerce handles WordPress stores running WooCommerce.
type WooCommerce struct {
	base
	fetcher crawler.Fetcher
}

// NewWooCommerce builds the WooCommerce adapter. fetcher powers SearchAPI.
func NewWooCommerce(fetcher crawler.Fetcher) *WooCommerce {
	return &WooCommerce{
		base: base{
			name:     TypeWooCommerce,
			siteType: crawler.SiteRetailer,
			search:   queryURL("/", "s", "{keyword}", "post_type", "product"),
			pipeline: Profile{
				Containers: []string{"li.product", ".product.type-product", ".wc-block-grid__product", ".wc-block-product"},
				Titles:     []string{".woocommerce-loop-product__title", ".wc-block-grid__product-title", ".wp-block-post-title", "h2"},
				Links:      []string{"a.woocommerce-LoopProduct-link", "a.woocommerce-loop-product__link", ".wc-block-grid__product-link"},
				Prices:     []string{".price ins .amount", ".price .amount", ".wc-block-grid__product-price", ".price"},
				Images:     []string{"img.attachment-woocommerce_thumbnail", ".wc-block-grid__product-image img"},
				SoldOut:    []string{".outofstock", ".out-of-stock", ".soldout"},
			}.build(),
		},
		fetcher: fetcher,
	}
}

// NextPageURL follows WordPress pagination.
func (w *WooCommerce) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, wooNext)
}

type wooProduct struct {
	Name      string `json:"name"`
	Permalink string `json:"permalink"`
	IsInStock *bool  `json:"is_in_stock"`
	Prices    struct {
		Price             string `json:"price"`
		CurrencyMinorUnit int    `json:"currency_minor_unit"`
	} `json:"prices"`
	Images []struct {
		Src       string `json:"src"`
		Thumbnail string `json:"thumbnail"`
	} `json:"images"`
}

// SearchAPI queries the public Store API, whose prices are in minor units.
func (w *WooCommerce) SearchAPI(ctx context.Context, origin, keyword string, opts crawler.ScrapeOptions) ([]crawler.ScrapedItem, error) {
	if w.fetcher == nil {
		return nil, ErrUnsupported
	}
	origin = strings.TrimRight(origin, "/")
	endpoint := origin + "/wp-json/wc/store/v1/products?" + url.Values{
		"search":   {keyword},
		"per_page": {"20"},
	}.Encode()
	body, err := w.fetcher.Fetch(ctx, endpoint, opts.SessionToken)
	if err != nil {
		return nil, apiError(err)
	}
	var products []wooProduct
	if err := json.Unmarshal([]byte(body), &products); err != nil {
		return nil, fmt.Errorf("%w: decode store api response: %v", ErrUnsupported, err)
	}
	items := make([]crawler.ScrapedItem, 0, len(products))
	for _, p := range products {
		if p.Permalink == "" || p.Name == "" {
			continue
		}
		item := crawler.ScrapedItem{
			Title:   cleanText(html.UnescapeString(p.Name)),
			URL:     p.Permalink,
			Price:   minorUnits(p.Prices.Price, p.Prices.CurrencyMinorUnit),
			InStock: p.IsInStock,
		}
		if len(p.Images) > 0 {
			item.Thumbnail = p.Images[0].Thumbnail
			if item.Thumbnail == "" {
				item.Thumbnail = p.Images[0].Src
			}
		}
		items = append(items, item)
	}
	return items, nil
}

func minorUnits(raw string, unit int) *float64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil
	}
	v := float64(n) / math.Pow10(unit)
	return positive(&v)
}
