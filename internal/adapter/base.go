package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/fetch"
)

// base carries what every HTML adapter shares: identity, a compiled pipeline
// and a search URL builder.
type base struct {
	name     string
	siteType crawler.SiteType
	pipeline pipeline
	search   func(origin, keyword string) string
}

func (b *base) Name() string { return b.name }

func (b *base) SiteType() crawler.SiteType { return b.siteType }

func (b *base) SearchURL(origin, keyword string) string {
	return b.search(strings.TrimRight(origin, "/"), keyword)
}

func (b *base) Extract(doc *goquery.Document, keyword, baseURL string, _ crawler.ScrapeOptions) []crawler.ScrapedItem {
	return b.pipeline.extract(doc, keyword, baseURL)
}

// queryURL builds origin+path?params with proper escaping.
func queryURL(path string, params ...string) func(origin, keyword string) string {
	return func(origin, keyword string) string {
		q := url.Values{}
		for i := 0; i+1 < len(params); i += 2 {
			v := params[i+1]
			if v == "{keyword}" {
				v = keyword
			}
			q.Set(params[i], v)
		}
		return origin + path + "?" + q.Encode()
	}
}

// apiError maps a failed API request to ErrUnsupported when the endpoint is
// simply absent or forbidden.
func apiError(err error) error {
	var fe *fetch.Error
	if errors.As(err, &fe) && fe.Kind == fetch.KindHTTPError {
		switch fe.StatusCode {
		case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized, http.StatusMethodNotAllowed:
			return fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
	}
	return fmt.Errorf("api request: %w", err)
}

// flexFloat decodes JSON numbers that may arrive quoted.
type flexFloat struct {
	value *float64
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	f.value = &v
	return nil
}

// HasPrice reports whether any item carries price data.
func HasPrice(items []crawler.ScrapedItem) bool {
	for _, it := range items {
		if it.Price != nil {
			return true
		}
	}
	return false
}
