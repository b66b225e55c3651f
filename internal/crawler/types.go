package crawler

import "time"

// SiteType classifies the family of site a target belongs to.
type SiteType string

// Known site families.
const (
	SiteRetailer    SiteType = "retailer"
	SiteForum       SiteType = "forum"
	SiteClassifieds SiteType = "classifieds"
	SiteAuction     SiteType = "auction"
	SiteGeneric     SiteType = "generic"
)

// Channel identifies a notification delivery channel.
type Channel string

// Supported notification channels.
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// TargetStatus is the persisted lifecycle state of a monitored target.
type TargetStatus string

// Target status values.
const (
	TargetActive  TargetStatus = "active"
	TargetPaused  TargetStatus = "paused"
	TargetExpired TargetStatus = "expired"
)

// MonitoredTarget is a site configuration paired with the keyword subscription
// the scheduler runs against it.
type MonitoredTarget struct {
	ID                 string             `json:"id"`
	Domain             string             `json:"domain"`
	OriginURL          string             `json:"origin_url"`
	SiteType           SiteType           `json:"site_type"`
	AdapterType        string             `json:"adapter_type"`
	SearchURLPattern   string             `json:"search_url_pattern,omitempty"`
	RequiresAuth       bool               `json:"requires_auth"`
	ChallengeProtected bool               `json:"challenge_protected"`
	Enabled            bool               `json:"enabled"`
	Paused             bool               `json:"paused"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	Keyword            string             `json:"keyword"`
	Username           string             `json:"-"`
	Password           string             `json:"-"`
	Channels           []Channel          `json:"channels,omitempty"`
	Recipients         map[Channel]string `json:"recipients,omitempty"`
	Interval           time.Duration      `json:"interval"`
	LastCheckedAt      *time.Time         `json:"last_checked_at,omitempty"`
	LastContentHash    string             `json:"last_content_hash,omitempty"`
	Status             TargetStatus       `json:"status"`
}

// Expired reports whether a time-boxed target is past its expiry at now.
func (t MonitoredTarget) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// ScrapeOptions are per-invocation knobs passed into a scrape.
type ScrapeOptions struct {
	InStockOnly  bool     `json:"in_stock_only"`
	MaxPrice     *float64 `json:"max_price,omitempty"`
	SessionToken string   `json:"-"`
	FastMode     bool     `json:"fast_mode"`
	MaxPages     int      `json:"max_pages"`
}

// ScrapedItem is one listing extracted from a page. Identity is its normalized URL.
type ScrapedItem struct {
	Title     string   `json:"title"`
	Price     *float64 `json:"price,omitempty"`
	URL       string   `json:"url"`
	InStock   *bool    `json:"in_stock,omitempty"`
	Thumbnail string   `json:"thumbnail,omitempty"`
	PostDate  string   `json:"post_date,omitempty"`
	Seller    string   `json:"seller,omitempty"`
}

// ScrapeResult is the outcome of a single scrape of one target.
type ScrapeResult struct {
	Items         []ScrapedItem `json:"items"`
	ContentHash   string        `json:"content_hash"`
	ScrapedAt     time.Time     `json:"scraped_at"`
	LoginRequired bool          `json:"login_required"`
	AdapterUsed   string        `json:"adapter_used"`
	Errors        []string      `json:"errors,omitempty"`
}

// PersistedMatch is a stored item, unique on (TargetID, URL).
type PersistedMatch struct {
	ID           string    `json:"id"`
	TargetID     string    `json:"target_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Price        *float64  `json:"price,omitempty"`
	Thumbnail    string    `json:"thumbnail,omitempty"`
	Seller       string    `json:"seller,omitempty"`
	ContentHash  string    `json:"content_hash"`
	FirstFoundAt time.Time `json:"first_found_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// SiteMapEntry caches the discovery result for a domain.
type SiteMapEntry struct {
	Domain            string    `json:"domain"`
	ListingURLs       []string  `json:"listing_urls"`
	SearchURLTemplate string    `json:"search_url_template,omitempty"`
	SiteType          SiteType  `json:"site_type"`
	DiscoveredAt      time.Time `json:"discovered_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	HitCount          int       `json:"hit_count"`
}

// Session is an authenticated cookie or token cached per domain.
type Session struct {
	Domain    string    `json:"domain"`
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NotificationStatus tracks the delivery outcome of a notification.
type NotificationStatus string

// Notification status values.
const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Notification is one delivery of a batch of new matches on one channel.
type Notification struct {
	ID        string             `json:"id"`
	TargetID  string             `json:"target_id"`
	Channel   Channel            `json:"channel"`
	Recipient string             `json:"recipient"`
	Keyword   string             `json:"keyword"`
	ItemIDs   []string           `json:"item_ids"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
}

// QueueItem is one scheduled scrape of a target.
type QueueItem struct {
	TargetID  string
	Keyword   string
	Attempt   int
	Submitted int64
}
