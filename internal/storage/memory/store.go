package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// Store implements every crawler store interface over maps guarded by one lock.
type Store struct {
	mu            sync.RWMutex
	targets       map[string]crawler.MonitoredTarget
	matches       map[string]map[string]crawler.PersistedMatch
	notifications map[string]crawler.Notification
	siteMaps      map[string]crawler.SiteMapEntry
	sessions      map[string]crawler.Session
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		targets:       make(map[string]crawler.MonitoredTarget),
		matches:       make(map[string]map[string]crawler.PersistedMatch),
		notifications: make(map[string]crawler.Notification),
		siteMaps:      make(map[string]crawler.SiteMapEntry),
		sessions:      make(map[string]crawler.Session),
	}
}

// PutTarget inserts or replaces a target.
func (s *Store) PutTarget(_ context.Context, t crawler.MonitoredTarget) error {
	if t.ID == "" {
		return fmt.Errorf("put target: id is required")
	}
	if t.Status == "" {
		t.Status = crawler.TargetActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = cloneTarget(t)
	return nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(_ context.Context) ([]crawler.MonitoredTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.MonitoredTarget, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, cloneTarget(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTarget fetches a target by ID.
func (s *Store) GetTarget(_ context.Context, id string) (crawler.MonitoredTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[id]
	if !ok {
		return crawler.MonitoredTarget{}, fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
	}
	return cloneTarget(t), nil
}

// UpdateTargetChecked records the time and hash of the latest scrape.
func (s *Store) UpdateTargetChecked(_ context.Context, id string, at time.Time, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
	}
	t.LastCheckedAt = &at
	t.LastContentHash = contentHash
	s.targets[id] = t
	return nil
}

// SetTargetStatus changes a target's lifecycle state.
func (s *Store) SetTargetStatus(_ context.Context, id string, status crawler.TargetStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return fmt.Errorf("target %s: %w", id, crawler.ErrNotFound)
	}
	t.Status = status
	switch status {
	case crawler.TargetPaused:
		t.Paused = true
	case crawler.TargetActive:
		t.Paused = false
	}
	s.targets[id] = t
	return nil
}

// FindItemsByTarget returns the target's matches ordered by first sighting.
func (s *Store) FindItemsByTarget(_ context.Context, targetID string) ([]crawler.PersistedMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.matches[targetID]
	out := make([]crawler.PersistedMatch, 0, len(rows))
	for _, m := range rows {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFoundAt.Equal(out[j].FirstFoundAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].FirstFoundAt.Before(out[j].FirstFoundAt)
	})
	return out, nil
}

// InsertMatches adds new matches and returns the ones written. A (target, url)
// pair that already exists is left as-is.
func (s *Store) InsertMatches(_ context.Context, matches []crawler.PersistedMatch) ([]crawler.PersistedMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted []crawler.PersistedMatch
	for _, m := range matches {
		rows, ok := s.matches[m.TargetID]
		if !ok {
			rows = make(map[string]crawler.PersistedMatch)
			s.matches[m.TargetID] = rows
		}
		if _, exists := rows[m.URL]; exists {
			continue
		}
		rows[m.URL] = m
		inserted = append(inserted, m)
	}
	return inserted, nil
}

// UpdateMatches overwrites the mutable fields of existing matches.
func (s *Store) UpdateMatches(_ context.Context, matches []crawler.PersistedMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range matches {
		prev, ok := s.matches[m.TargetID][m.URL]
		if !ok {
			return fmt.Errorf("match %s %s: %w", m.TargetID, m.URL, crawler.ErrNotFound)
		}
		prev.Title = m.Title
		prev.Price = m.Price
		prev.Thumbnail = m.Thumbnail
		prev.Seller = m.Seller
		prev.ContentHash = m.ContentHash
		prev.LastSeenAt = m.LastSeenAt
		s.matches[m.TargetID][m.URL] = prev
	}
	return nil
}

// CreateNotification stores a new notification record.
func (s *Store) CreateNotification(_ context.Context, n crawler.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	n.ItemIDs = append([]string(nil), n.ItemIDs...)
	s.notifications[n.ID] = n
	return nil
}

// LinkNotificationItems attaches match IDs to a notification.
func (s *Store) LinkNotificationItems(_ context.Context, notificationID string, itemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return fmt.Errorf("notification %s: %w", notificationID, crawler.ErrNotFound)
	}
	n.ItemIDs = append(n.ItemIDs[:0:0], itemIDs...)
	s.notifications[notificationID] = n
	return nil
}

// UpdateNotificationStatus records a delivery outcome.
func (s *Store) UpdateNotificationStatus(_ context.Context, notificationID string, status crawler.NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return fmt.Errorf("notification %s: %w", notificationID, crawler.ErrNotFound)
	}
	n.Status = status
	s.notifications[notificationID] = n
	return nil
}

// Notifications returns the target's notifications ordered by creation time.
func (s *Store) Notifications(targetID string) []crawler.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Notification
	for _, n := range s.notifications {
		if n.TargetID == targetID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetSiteMap returns the cached entry for domain regardless of expiry.
func (s *Store) GetSiteMap(_ context.Context, domain string) (crawler.SiteMapEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.siteMaps[domain]
	if ok {
		e.ListingURLs = append([]string(nil), e.ListingURLs...)
	}
	return e, ok, nil
}

// PutSiteMap replaces the cached entry for entry.Domain, keeping its hit count.
func (s *Store) PutSiteMap(_ context.Context, entry crawler.SiteMapEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.siteMaps[entry.Domain]; ok && entry.HitCount == 0 {
		entry.HitCount = prev.HitCount
	}
	entry.ListingURLs = append([]string(nil), entry.ListingURLs...)
	s.siteMaps[entry.Domain] = entry
	return nil
}

// RecordSiteMapHit bumps the hit counter for domain.
func (s *Store) RecordSiteMapHit(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.siteMaps[domain]
	if !ok {
		return fmt.Errorf("site map %s: %w", domain, crawler.ErrNotFound)
	}
	e.HitCount++
	s.siteMaps[domain] = e
	return nil
}

// GetSession returns the cached session for domain.
func (s *Store) GetSession(_ context.Context, domain string) (crawler.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[domain]
	return sess, ok, nil
}

// PutSession caches a session.
func (s *Store) PutSession(_ context.Context, session crawler.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Domain] = session
	return nil
}

// DeleteSession removes a cached session. Missing sessions are not an error.
func (s *Store) DeleteSession(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, domain)
	return nil
}

func cloneTarget(t crawler.MonitoredTarget) crawler.MonitoredTarget {
	t.Channels = append([]crawler.Channel(nil), t.Channels...)
	if t.Recipients != nil {
		r := make(map[crawler.Channel]string, len(t.Recipients))
		for k, v := range t.Recipients {
			r[k] = v
		}
		t.Recipients = r
	}
	return t
}
