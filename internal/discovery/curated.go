package discovery

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/listing-monitor/internal/crawler"
)

//go:embed curated.yaml
var curatedYAML []byte

// Override is a hand-maintained discovery result for one domain.
type Override struct {
	Domain            string           `yaml:"domain"`
	SiteType          crawler.SiteType `yaml:"site_type"`
	ListingURLs       []string         `yaml:"listing_urls"`
	SearchURLTemplate string           `yaml:"search_url_template"`
}

type curatedFile struct {
	Sites []Override `yaml:"sites"`
}

// ParseOverrides decodes a curated override document keyed by domain.
func ParseOverrides(data []byte) (map[string]Override, error) {
	var file curatedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode curated overrides: %w", err)
	}
	out := make(map[string]Override, len(file.Sites))
	for i, site := range file.Sites {
		key := crawler.DomainKey(site.Domain)
		if key == "" {
			return nil, fmt.Errorf("curated override %d: missing domain", i)
		}
		if len(site.ListingURLs) == 0 && site.SearchURLTemplate == "" {
			return nil, fmt.Errorf("curated override %s: needs listing_urls or search_url_template", key)
		}
		if site.SiteType == "" {
			site.SiteType = crawler.SiteGeneric
		}
		site.Domain = key
		out[key] = site
	}
	return out, nil
}

// DefaultOverrides returns the embedded curated table.
func DefaultOverrides() (map[string]Override, error) {
	return ParseOverrides(curatedYAML)
}
