package adapter

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

var (
	xenForoNext = []string{"a.pageNav-jump--next", "link[rel='next']"}
	phpBBNext   = []string{".pagination li.next a", "a[rel='next']", "link[rel='next']"}
)

// XenForo handles XenForo 2 boards, both thread lists and search results.
type XenForo struct {
	base
}

// NewXenForo builds the XenForo adapter.
func NewXenForo() *XenForo {
	return &XenForo{base: base{
		name:     TypeXenForo,
		siteType: crawler.SiteForum,
		search:   queryURL("/search/search", "keywords", "{keyword}", "o", "date"),
		pipeline: Profile{
			Containers: []string{".structItem--thread", "li.block-row", ".contentRow"},
			Titles:     []string{".structItem-title a[data-tp-primary]", ".structItem-title a:last-child", "h3.contentRow-title a"},
			Links:      []string{".structItem-title a[data-tp-primary]", ".structItem-title a:last-child", "h3.contentRow-title a"},
			Dates:      []string{".structItem-latestDate", ".contentRow-minor time"},
			Sellers:    []string{".structItem-minor .username", ".contentRow-minor .username", ".username"},
			SoldOut:    []string{".label--red", ".label--sold"},
		}.build(),
	}}
}

// NextPageURL follows the page navigation arrow.
func (x *XenForo) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, xenForoNext)
}

// PhpBB handles phpBB 3 boards.
type PhpBB struct {
	base
}

// NewPhpBB builds the phpBB adapter.
func NewPhpBB() *PhpBB {
	return &PhpBB{base: base{
		name:     TypePhpBB,
		siteType: crawler.SiteForum,
		search:   queryURL("/search.php", "keywords", "{keyword}", "sr", "topics", "sf", "titleonly", "sk", "t", "sd", "d"),
		pipeline: Profile{
			Containers: []string{"ul.topiclist li.row", "li.row", "div.search.post"},
			Titles:     []string{"a.topictitle", "h3 a"},
			Links:      []string{"a.topictitle", "h3 a"},
			Dates:      []string{".topic-poster", ".search-result-date"},
			Sellers:    []string{".topic-poster .username", ".topic-poster .username-coloured", ".username", ".username-coloured"},
		}.build(),
	}}
}

// NextPageURL follows the pagination "next" arrow.
func (p *PhpBB) NextPageURL(doc *goquery.Document, currentURL string) (string, bool) {
	return nextLink(doc, currentURL, phpBBNext)
}
