// Package registry resolves a URL to the adapter configured for its domain.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/listing-monitor/internal/adapter"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

// DefaultRefreshInterval is how long the domain table is trusted before reload.
const DefaultRefreshInterval = 5 * time.Minute

// TargetSource supplies the configured targets the domain table is built from.
type TargetSource interface {
	ListTargets(ctx context.Context) ([]crawler.MonitoredTarget, error)
}

// Resolution is the adapter configuration chosen for a URL.
type Resolution struct {
	Adapter                   adapter.Adapter
	AdapterType               string
	SearchURLPattern          string
	RequiresChallengeHandling bool
}

type entry struct {
	adapterType   string
	searchPattern string
	challenge     bool
}

// Registry caches a domain to configuration table loaded from a TargetSource.
type Registry struct {
	source   TargetSource
	adapters *adapter.Set
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	refresh singleflight.Group

	mu       sync.Mutex
	table    map[string]entry
	loadedAt time.Time
}

// New builds a Registry. ttl <= 0 selects DefaultRefreshInterval.
func New(source TargetSource, adapters *adapter.Set, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source:   source,
		adapters: adapters,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("registry"),
	}
}

// Resolve picks the adapter for rawURL: exact domain, then each parent domain
// up to the registrable domain, then the generic adapter.
func (r *Registry) Resolve(ctx context.Context, rawURL string) Resolution {
	table := r.snapshot(ctx)
	host := crawler.DomainKey(crawler.Hostname(rawURL))
	for _, candidate := range lookupChain(host) {
		e, ok := table[candidate]
		if !ok {
			continue
		}
		a, ok := r.adapters.Get(e.adapterType)
		if !ok {
			r.logger.Warn("unknown adapter type configured",
				zap.String("domain", candidate), zap.String("adapter_type", e.adapterType))
			break
		}
		return Resolution{
			Adapter:                   a,
			AdapterType:               e.adapterType,
			SearchURLPattern:          e.searchPattern,
			RequiresChallengeHandling: e.challenge,
		}
	}
	return Resolution{Adapter: r.adapters.Generic(), AdapterType: adapter.TypeGeneric}
}

// Refresh reloads the domain table now.
func (r *Registry) Refresh(ctx context.Context) error {
	targets, err := r.source.ListTargets(ctx)
	if err != nil {
		return fmt.Errorf("list targets: %w", err)
	}
	table := buildTable(targets)
	r.mu.Lock()
	r.table = table
	r.loadedAt = r.now()
	r.mu.Unlock()
	r.logger.Debug("domain table refreshed", zap.Int("domains", len(table)))
	return nil
}

// snapshot returns the current table, reloading it when stale. A failed reload
// keeps serving the previous table.
func (r *Registry) snapshot(ctx context.Context) map[string]entry {
	r.mu.Lock()
	fresh := r.table != nil && r.now().Sub(r.loadedAt) < r.ttl
	table := r.table
	r.mu.Unlock()
	if fresh {
		return table
	}
	ch := r.refresh.DoChan("table", func() (any, error) {
		return nil, r.Refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return table
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("domain table refresh failed; serving stale table", zap.Error(res.Err))
			return table
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table
}

func buildTable(targets []crawler.MonitoredTarget) map[string]entry {
	table := make(map[string]entry, len(targets))
	for _, t := range targets {
		key := crawler.DomainKey(t.Domain)
		if key == "" {
			key = crawler.DomainKey(crawler.Hostname(t.OriginURL))
		}
		if key == "" || t.AdapterType == "" {
			continue
		}
		existing, seen := table[key]
		if seen && (existing.searchPattern != "" || t.SearchURLPattern == "") {
			continue
		}
		table[key] = entry{
			adapterType:   t.AdapterType,
			searchPattern: t.SearchURLPattern,
			challenge:     t.ChallengeProtected,
		}
	}
	return table
}

// lookupChain lists host and its parents, most specific first, stopping at
// the registrable domain so "co.uk" style suffixes never match.
func lookupChain(host string) []string {
	if host == "" {
		return nil
	}
	root, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return []string{host}
	}
	chain := []string{host}
	for current := host; current != root; {
		_, parent, ok := strings.Cut(current, ".")
		if !ok || len(parent) < len(root) {
			break
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain
}
