package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// FindItemsByTarget returns the target's matches ordered by first sighting.
func (s *Store) FindItemsByTarget(ctx context.Context, targetID string) ([]crawler.PersistedMatch, error) {
	query := `
SELECT id, target_id, url, title, price, thumbnail, seller, content_hash, first_found_at, last_seen_at
FROM matches
WHERE target_id = $1
ORDER BY first_found_at, url`
	rows, err := s.db.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("find matches for %s: %w", targetID, err)
	}
	defer rows.Close()

	var out []crawler.PersistedMatch
	for rows.Next() {
		var m crawler.PersistedMatch
		if err := rows.Scan(
			&m.ID,
			&m.TargetID,
			&m.URL,
			&m.Title,
			&m.Price,
			&m.Thumbnail,
			&m.Seller,
			&m.ContentHash,
			&m.FirstFoundAt,
			&m.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("scan match row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}

// InsertMatches inserts new matches in one transaction and returns the rows
// that were written. Rows that already exist for (target_id, url) are skipped.
func (s *Store) InsertMatches(ctx context.Context, matches []crawler.PersistedMatch) ([]crawler.PersistedMatch, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	query := `
INSERT INTO matches (
	id, target_id, url, title, price, thumbnail, seller, content_hash, first_found_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (target_id, url) DO NOTHING
RETURNING id`
	var inserted []crawler.PersistedMatch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, m := range matches {
			var id string
			err := tx.QueryRow(ctx, query,
				m.ID,
				m.TargetID,
				m.URL,
				m.Title,
				m.Price,
				m.Thumbnail,
				m.Seller,
				m.ContentHash,
				m.FirstFoundAt,
				m.LastSeenAt,
			).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert match %s: %w", m.URL, err)
			}
			inserted = append(inserted, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// UpdateMatches overwrites the mutable fields of existing matches in one transaction.
func (s *Store) UpdateMatches(ctx context.Context, matches []crawler.PersistedMatch) error {
	if len(matches) == 0 {
		return nil
	}
	query := `
UPDATE matches
SET title = $3, price = $4, thumbnail = $5, seller = $6, content_hash = $7, last_seen_at = $8
WHERE target_id = $1 AND url = $2`
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, m := range matches {
			tag, err := tx.Exec(ctx, query,
				m.TargetID,
				m.URL,
				m.Title,
				m.Price,
				m.Thumbnail,
				m.Seller,
				m.ContentHash,
				m.LastSeenAt,
			)
			if err != nil {
				return fmt.Errorf("update match %s: %w", m.URL, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("match %s %s: %w", m.TargetID, m.URL, crawler.ErrNotFound)
			}
		}
		return nil
	})
}

// CreateNotification stores a new notification record.
func (s *Store) CreateNotification(ctx context.Context, n crawler.Notification) error {
	query := `
INSERT INTO notifications (id, target_id, channel, recipient, keyword, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := s.db.Exec(ctx, query,
		n.ID,
		n.TargetID,
		string(n.Channel),
		n.Recipient,
		n.Keyword,
		string(n.Status),
		n.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// LinkNotificationItems attaches match IDs to a notification.
func (s *Store) LinkNotificationItems(ctx context.Context, notificationID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	query := `
INSERT INTO notification_items (notification_id, match_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, id := range itemIDs {
			if _, err := tx.Exec(ctx, query, notificationID, id); err != nil {
				return fmt.Errorf("link notification item %s: %w", id, err)
			}
		}
		return nil
	})
}

// UpdateNotificationStatus records a delivery outcome.
func (s *Store) UpdateNotificationStatus(ctx context.Context, notificationID string, status crawler.NotificationStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET status = $2 WHERE id = $1`, notificationID, string(status))
	if err != nil {
		return fmt.Errorf("update notification %s: %w", notificationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, crawler.ErrNotFound)
	}
	return nil
}

// GetSiteMap returns the cached entry for domain regardless of expiry.
func (s *Store) GetSiteMap(ctx context.Context, domain string) (crawler.SiteMapEntry, bool, error) {
	query := `
SELECT domain, listing_urls, search_url_template, site_type, discovered_at, expires_at, hit_count
FROM site_maps
WHERE domain = $1`
	var (
		e        crawler.SiteMapEntry
		siteType string
	)
	err := s.db.QueryRow(ctx, query, domain).Scan(
		&e.Domain,
		&e.ListingURLs,
		&e.SearchURLTemplate,
		&siteType,
		&e.DiscoveredAt,
		&e.ExpiresAt,
		&e.HitCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.SiteMapEntry{}, false, nil
		}
		return crawler.SiteMapEntry{}, false, fmt.Errorf("get site map %s: %w", domain, err)
	}
	e.SiteType = crawler.SiteType(siteType)
	return e, true, nil
}

// PutSiteMap replaces the cached entry for entry.Domain, keeping its hit count.
func (s *Store) PutSiteMap(ctx context.Context, entry crawler.SiteMapEntry) error {
	query := `
INSERT INTO site_maps (domain, listing_urls, search_url_template, site_type, discovered_at, expires_at, hit_count)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (domain) DO UPDATE SET
	listing_urls = EXCLUDED.listing_urls,
	search_url_template = EXCLUDED.search_url_template,
	site_type = EXCLUDED.site_type,
	discovered_at = EXCLUDED.discovered_at,
	expires_at = EXCLUDED.expires_at`
	urls := entry.ListingURLs
	if urls == nil {
		urls = []string{}
	}
	if _, err := s.db.Exec(ctx, query,
		entry.Domain,
		urls,
		entry.SearchURLTemplate,
		string(entry.SiteType),
		entry.DiscoveredAt,
		entry.ExpiresAt,
		entry.HitCount,
	); err != nil {
		return fmt.Errorf("upsert site map %s: %w", entry.Domain, err)
	}
	return nil
}

// RecordSiteMapHit bumps the hit counter for domain.
func (s *Store) RecordSiteMapHit(ctx context.Context, domain string) error {
	tag, err := s.db.Exec(ctx, `UPDATE site_maps SET hit_count = hit_count + 1 WHERE domain = $1`, domain)
	if err != nil {
		return fmt.Errorf("record site map hit %s: %w", domain, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site map %s: %w", domain, crawler.ErrNotFound)
	}
	return nil
}

// GetSession returns the cached session for domain.
func (s *Store) GetSession(ctx context.Context, domain string) (crawler.Session, bool, error) {
	var sess crawler.Session
	err := s.db.QueryRow(ctx, `SELECT domain, value, expires_at FROM sessions WHERE domain = $1`, domain).
		Scan(&sess.Domain, &sess.Value, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Session{}, false, nil
		}
		return crawler.Session{}, false, fmt.Errorf("get session %s: %w", domain, err)
	}
	return sess, true, nil
}

// PutSession caches a session.
func (s *Store) PutSession(ctx context.Context, session crawler.Session) error {
	query := `
INSERT INTO sessions (domain, value, expires_at) VALUES ($1,$2,$3)
ON CONFLICT (domain) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	if _, err := s.db.Exec(ctx, query, session.Domain, session.Value, session.ExpiresAt); err != nil {
		return fmt.Errorf("upsert session %s: %w", session.Domain, err)
	}
	return nil
}

// DeleteSession removes a cached session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context, domain string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE domain = $1`, domain); err != nil {
		return fmt.Errorf("delete session %s: %w", domain, err)
	}
	return nil
}
