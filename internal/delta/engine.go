// Package delta classifies scraped items against stored matches and persists
// both classes.
package delta

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
)

// Delta is the outcome of applying one scrape.
type Delta struct {
	New     []crawler.PersistedMatch
	Updated []crawler.PersistedMatch
}

// Engine diffs scrape results against a MatchStore keyed by item URL.
type Engine struct {
	matches crawler.MatchStore
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds an Engine.
func New(matches crawler.MatchStore, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{matches: matches, ids: ids, clock: clock, logger: logger.Named("delta")}
}

// Apply partitions result.Items into new and updated matches for targetID,
// updates known matches in place and inserts unseen ones. Stored matches
// absent from the result are left untouched.
func (e *Engine) Apply(ctx context.Context, targetID string, result crawler.ScrapeResult) (Delta, error) {
	existing, err := e.matches.FindItemsByTarget(ctx, targetID)
	if err != nil {
		return Delta{}, fmt.Errorf("load matches for %s: %w", targetID, err)
	}
	known := make(map[string]crawler.PersistedMatch, len(existing))
	for _, m := range existing {
		known[crawler.NormalizeOrRaw(m.URL)] = m
	}

	now := e.clock.Now()
	seen := make(map[string]struct{}, len(result.Items))
	var d Delta
	for _, item := range result.Items {
		key := crawler.NormalizeOrRaw(item.URL)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if prev, ok := known[key]; ok {
			prev.Title = item.Title
			prev.Price = item.Price
			prev.Thumbnail = item.Thumbnail
			prev.Seller = item.Seller
			prev.ContentHash = result.ContentHash
			prev.LastSeenAt = now
			d.Updated = append(d.Updated, prev)
			continue
		}
		id, err := e.ids.NewID()
		if err != nil {
			return Delta{}, fmt.Errorf("new match id: %w", err)
		}
		d.New = append(d.New, crawler.PersistedMatch{
			ID:           id,
			TargetID:     targetID,
			URL:          key,
			Title:        item.Title,
			Price:        item.Price,
			Thumbnail:    item.Thumbnail,
			Seller:       item.Seller,
			ContentHash:  result.ContentHash,
			FirstFoundAt: now,
			LastSeenAt:   now,
		})
	}

	if len(d.Updated) > 0 {
		if err := e.matches.UpdateMatches(ctx, d.Updated); err != nil {
			return Delta{}, fmt.Errorf("update matches for %s: %w", targetID, err)
		}
	}
	if len(d.New) > 0 {
		inserted, err := e.matches.InsertMatches(ctx, d.New)
		if err != nil {
			return Delta{}, fmt.Errorf("insert matches for %s: %w", targetID, err)
		}
		if skipped := len(d.New) - len(inserted); skipped > 0 {
			e.logger.Debug("matches already stored",
				zap.String("target_id", targetID),
				zap.Int("skipped", skipped))
		}
		d.New = inserted
		metrics.ObserveNewItems(len(d.New))
	}
	e.logger.Debug("delta applied",
		zap.String("target_id", targetID),
		zap.Int("new", len(d.New)),
		zap.Int("updated", len(d.Updated)))
	return d, nil
}
