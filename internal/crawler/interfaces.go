package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the HTML body of a URL, optionally with a Cookie header.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, cookies string) (string, error)
}

// TargetStore reads monitored targets and records scrape bookkeeping.
type TargetStore interface {
	ListTargets(ctx context.Context) ([]MonitoredTarget, error)
	GetTarget(ctx context.Context, id string) (MonitoredTarget, error)
	UpdateTargetChecked(ctx context.Context, id string, at time.Time, contentHash string) error
	SetTargetStatus(ctx context.Context, id string, status TargetStatus) error
}

// MatchStore persists matches keyed by (target, url).
type MatchStore interface {
	FindItemsByTarget(ctx context.Context, targetID string) ([]PersistedMatch, error)
	// InsertMatches returns the subset actually written; pairs already stored are skipped.
	InsertMatches(ctx context.Context, matches []PersistedMatch) ([]PersistedMatch, error)
	UpdateMatches(ctx context.Context, matches []PersistedMatch) error
}

// NotificationStore persists notification records and their item links.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) error
	LinkNotificationItems(ctx context.Context, notificationID string, itemIDs []string) error
	UpdateNotificationStatus(ctx context.Context, notificationID string, status NotificationStatus) error
}

// SiteMapStore caches discovery results. GetSiteMap returns entries regardless
// of expiry; callers decide freshness.
type SiteMapStore interface {
	GetSiteMap(ctx context.Context, domain string) (SiteMapEntry, bool, error)
	PutSiteMap(ctx context.Context, entry SiteMapEntry) error
	RecordSiteMapHit(ctx context.Context, domain string) error
}

// SessionStore caches authenticated sessions per domain.
type SessionStore interface {
	GetSession(ctx context.Context, domain string) (Session, bool, error)
	PutSession(ctx context.Context, session Session) error
	DeleteSession(ctx context.Context, domain string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, body io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scheduled scrapes.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes digests for fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
