package adapter

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

var (
	classifiedsNext = []string{"a[rel='next']", "link[rel='next']", ".pagination a.next", "a.next"}
	auctionNext     = []string{"a[rel='next']", "link[rel='next']", ".pagination .next a", "a.next-page"}
)

// Classifieds handles listing boards where individuals post items for sale.
type Classifieds struct {
	base
}

// NewClassifieds builds the classifieds adapter.
func NewClassifieds() *Classifieds {
	return &Classifieds{base: base{
		name:     TypeClassifieds,
		siteType: crawler.SiteClassifieds,
		search:   queryURL("/search", "query", "{keyword}"),
		pipeline: Profile{
			Containers: []string{".listing-card", ".listing", ".classified", ".ad-listing", "[data-listing-id]", ".result-row", ".cl-search-result"},
			Titles:     []string{".listing-title", ".result-title", ".ad-title", ".title"},
			Links:      []string{".listing-title a", ".result-title", "a.ad-title", "a.title"},
			Prices:     []string{".listing-price", ".result-price", ".price"},
			Dates:      []string{".listing-date", ".posted", ".date"},
			Sellers:    []string{".seller", ".listing-seller", ".user-name"},
			SoldOut:    []string{".sold", ".listing-sold", ".badge-sold"},
		}.build(),
	}}
}

// NextPageURL follows the results pager.
func (c *Classifieds) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, classifiedsNext)
}

// Auction handles auction-house lot listings, pricing items at the current bid.
type Auction struct {
	base
}

// NewAuction builds the auction adapter.
func NewAuction() *Auction {
	return &Auction{base: base{
		name:     TypeAuction,
		siteType: crawler.SiteAuction,
		search:   queryURL("/lots", "q", "{keyword}"),
		pipeline: Profile{
			Containers: []string{".lot-tile", ".lot-card", ".auction-lot", ".lot", ".item-lot", "[data-lot-id]"},
			Titles:     []string{".lot-title", ".lot-name", ".lot-description"},
			Links:      []string{".lot-title a", "a.lot-link", "a[href*='/lot']"},
			Prices:     []string{".current-bid", ".high-bid", ".lot-high-bid", ".lot-price", ".price"},
			Dates:      []string{".lot-close-time", ".time-left", ".closing"},
			Sellers:    []string{".auctioneer", ".company-name", ".lot-seller"},
			SoldOut:    []string{".lot-closed", ".closed", ".sold"},
		}.build(),
	}}
}

// NextPageURL follows the lot grid pager.
func (a *Auction) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, auctionNext)
}
