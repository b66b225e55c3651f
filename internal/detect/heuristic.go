// Package detect recognizes pages that are not real content: anti-bot
// challenge interstitials and forum login walls.
package detect

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// strong markers identify a challenge page on their own.
var strongChallengeMarkers = []string{
	"sucuri_cloudproxy_js",
	"sucuri cloudproxy",
}

// soft markers need script-heavy markup to count.
var softChallengeMarkers = []string{
	"you are being redirected",
	"checking your browser",
	"just a moment...",
	"ddos protection by",
	"please enable javascript and cookies",
}

// IsChallenge reports whether body looks like an anti-bot challenge page.
func IsChallenge(body string) bool {
	if body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range strongChallengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	for _, marker := range softChallengeMarkers {
		if strings.Contains(lower, marker) && scriptDensityHigh(lower) {
			return true
		}
	}
	return false
}

var loginWallPhrases = []string{
	"you must be logged in",
	"you must be logged-in",
	"you must log in",
	"please log in to",
	"please login to",
	"log in or register to",
	"you do not have permission to view",
	"the board requires you to be registered and logged in",
	"login required",
	"sign in to continue",
}

const (
	passwordInputSelector = `input[type="password"]`
	loginFormSelector     = `form[action*="login"], form[action*="ucp.php"], form#login, form.login, form[action*="signin"]`
	threadListSelector    = `.structItem, .topiclist, .threadbit, li.row, .discussionListItem, .topic-list`
)

// LoginWall reports whether a forum page is gated behind authentication.
func LoginWall(doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	text := strings.ToLower(doc.Find("body").Text())
	for _, phrase := range loginWallPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	if doc.Find(passwordInputSelector).Length() == 0 {
		return false
	}
	if doc.Find(threadListSelector).Length() > 0 {
		return false
	}
	return doc.Find(loginFormSelector).Length() > 0
}

// scriptDensityHigh reports whether at least a quarter of the markup is script.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		var nextSearch int
		if relativeEnd := strings.Index(lower[contentStart:], closeTag); relativeEnd == -1 {
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
