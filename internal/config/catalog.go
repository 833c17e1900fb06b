package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/priceoracle/gateway/internal/feed"
)

// feedEntry is the YAML shape of one catalog entry.
type feedEntry struct {
	Category int    `yaml:"category"`
	Name     string `yaml:"name"`
	PrimaryN int    `yaml:"primary_n"`
	Sources  []struct {
		Exchange string `yaml:"exchange"`
		Symbol   string `yaml:"symbol"`
	} `yaml:"sources"`
}

type catalogFile struct {
	Feeds []feedEntry `yaml:"feeds"`
}

// Catalog is the reloadable, parsed feed configuration (spec.md §6:
// "a feed catalog enumerating, per feed, the ordered list of
// {exchange, symbol} sources. Reloadable at runtime"), adapted from the
// teacher's LoadProvidersConfig/Validate load-then-validate pattern.
type Catalog struct {
	mu    sync.RWMutex
	path  string
	feeds map[string]feed.Config // keyed by feed.ID.String()
}

// LoadCatalog reads and validates the YAML feed catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file from disk, replacing the in-memory
// snapshot only if the new file parses and validates cleanly.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read feed catalog: %w", err)
	}

	var raw catalogFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse feed catalog: %w", err)
	}

	feeds := make(map[string]feed.Config, len(raw.Feeds))
	for _, e := range raw.Feeds {
		cat, err := feed.ParseCategory(e.Category)
		if err != nil {
			return fmt.Errorf("feed %q: %w", e.Name, err)
		}
		id := feed.ID{Category: cat, Name: e.Name}
		if err := id.Validate(); err != nil {
			return fmt.Errorf("feed %q: %w", e.Name, err)
		}
		if len(e.Sources) == 0 {
			return fmt.Errorf("feed %q: must have at least one source", e.Name)
		}
		if e.PrimaryN <= 0 || e.PrimaryN > len(e.Sources) {
			return fmt.Errorf("feed %q: primary_n (%d) must be in [1,%d]", e.Name, e.PrimaryN, len(e.Sources))
		}
		sources := make([]feed.Source, 0, len(e.Sources))
		for _, s := range e.Sources {
			if s.Exchange == "" || s.Symbol == "" {
				return fmt.Errorf("feed %q: source exchange/symbol must be non-empty", e.Name)
			}
			sources = append(sources, feed.Source{Exchange: s.Exchange, Symbol: s.Symbol})
		}
		feeds[id.String()] = feed.Config{Feed: id, Sources: sources, PrimaryN: e.PrimaryN}
	}

	c.mu.Lock()
	c.feeds = feeds
	c.mu.Unlock()
	return nil
}

// Feeds returns a snapshot of every configured feed.
func (c *Catalog) Feeds() []feed.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]feed.Config, 0, len(c.feeds))
	for _, f := range c.feeds {
		out = append(out, f)
	}
	return out
}

// Lookup returns the configuration for one feed.
func (c *Catalog) Lookup(id feed.ID) (feed.Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.feeds[id.String()]
	return f, ok
}
