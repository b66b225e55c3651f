package crawler

import "errors"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrQueueClosed is returned by queues after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// ErrUnreachable marks failures where the site could not be reached at all.
// Transport errors match it through errors.Is.
var ErrUnreachable = errors.New("site unreachable")

// UserMessage renders err for end users without internal detail.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnreachable):
		return "scrape failed — site unreachable"
	default:
		return "scrape failed"
	}
}
