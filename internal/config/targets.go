package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

type targetFile struct {
	Targets []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	ID                 string            `yaml:"id"`
	Domain             string            `yaml:"domain"`
	OriginURL          string            `yaml:"origin_url"`
	SiteType           string            `yaml:"site_type"`
	AdapterType        string            `yaml:"adapter_type"`
	SearchURLPattern   string            `yaml:"search_url_pattern"`
	RequiresAuth       bool              `yaml:"requires_auth"`
	ChallengeProtected bool              `yaml:"challenge_protected"`
	Enabled            *bool             `yaml:"enabled"`
	Paused             bool              `yaml:"paused"`
	ExpiresAt          *time.Time        `yaml:"expires_at"`
	Keyword            string            `yaml:"keyword"`
	Username           string            `yaml:"username"`
	Password           string            `yaml:"password"`
	Channels           []string          `yaml:"channels"`
	Recipients         map[string]string `yaml:"recipients"`
	Interval           string            `yaml:"interval"`
}

// LoadTargets reads a YAML targets file.
func LoadTargets(path string) ([]crawler.MonitoredTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes and validates a targets document. Targets default to
// enabled, the generic adapter and the generic site type.
func ParseTargets(data []byte) ([]crawler.MonitoredTarget, error) {
	var doc targetFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Targets))
	out := make([]crawler.MonitoredTarget, 0, len(doc.Targets))
	for i, e := range doc.Targets {
		if e.ID == "" {
			return nil, fmt.Errorf("targets[%d]: id is required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("targets[%d]: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Domain == "" && e.OriginURL == "" {
			return nil, fmt.Errorf("target %s: domain or origin_url is required", e.ID)
		}

		t := crawler.MonitoredTarget{
			ID:                 e.ID,
			Domain:             e.Domain,
			OriginURL:          e.OriginURL,
			SiteType:           crawler.SiteType(e.SiteType),
			AdapterType:        e.AdapterType,
			SearchURLPattern:   e.SearchURLPattern,
			RequiresAuth:       e.RequiresAuth,
			ChallengeProtected: e.ChallengeProtected,
			Enabled:            e.Enabled == nil || *e.Enabled,
			Paused:             e.Paused,
			ExpiresAt:          e.ExpiresAt,
			Keyword:            e.Keyword,
			Username:           e.Username,
			Password:           e.Password,
			Status:             crawler.TargetActive,
		}
		if t.Domain == "" {
			// Same key the registry resolves adapters by, so "www." is dropped.
			t.Domain = crawler.Hostname(t.OriginURL)
		}
		if t.SiteType == "" {
			t.SiteType = crawler.SiteGeneric
		}
		if t.AdapterType == "" {
			t.AdapterType = "generic"
		}
		if t.Paused {
			t.Status = crawler.TargetPaused
		}
		if e.Interval != "" {
			d, err := time.ParseDuration(e.Interval)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("target %s: invalid interval %q", e.ID, e.Interval)
			}
			t.Interval = d
		}
		for _, c := range e.Channels {
			ch := crawler.Channel(c)
			if ch != crawler.ChannelEmail && ch != crawler.ChannelSMS {
				return nil, fmt.Errorf("target %s: unknown channel %q", e.ID, c)
			}
			t.Channels = append(t.Channels, ch)
		}
		if len(e.Recipients) > 0 {
			t.Recipients = make(map[crawler.Channel]string, len(e.Recipients))
			for k, v := range e.Recipients {
				t.Recipients[crawler.Channel(k)] = v
			}
		}
		out = append(out, t)
	}
	return out, nil
}
