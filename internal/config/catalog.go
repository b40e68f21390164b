package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RoutingKey is the venue-local identifier set for one (event, outcome).
// Polymarket and Opinion carry market and token ids; Limitless carries a
// market slug which doubles as the orderbook key.
type RoutingKey struct {
	MarketID string `json:"market_id,omitempty"`
	Yes      string `json:"yes,omitempty"`
	No       string `json:"no,omitempty"`
	Slug     string `json:"slug,omitempty"`
}

// Token returns the routing token for a side ("yes"/"no").
func (k RoutingKey) Token(side string) string {
	if side == "no" {
		return k.No
	}
	return k.Yes
}

// CatalogEvent is one event in a venue catalog file.
type CatalogEvent struct {
	Title    string                `json:"title,omitempty"`
	Outcomes map[string]RoutingKey `json:"outcomes"`
}

// Catalog maps venue -> event id -> event. Loaded once at startup from
// read-only JSON files named <venue>.json in the catalog directory.
type Catalog struct {
	venues map[string]map[string]CatalogEvent
}

// LoadCatalog reads every *.json file in dir as a venue catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}
	cat := &Catalog{venues: make(map[string]map[string]CatalogEvent)}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		venue := strings.TrimSuffix(e.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", e.Name(), err)
		}
		var events map[string]CatalogEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", e.Name(), err)
		}
		cat.venues[venue] = events
	}
	return cat, nil
}

// Key looks up the routing key for (venue, event, outcome).
func (c *Catalog) Key(venue, eventID, outcome string) (RoutingKey, bool) {
	ev, ok := c.venues[venue][eventID]
	if !ok {
		return RoutingKey{}, false
	}
	k, ok := ev.Outcomes[outcome]
	return k, ok
}

// EventPlatforms returns outcome -> sorted venue list for one event.
func (c *Catalog) EventPlatforms(eventID string) map[string][]string {
	out := make(map[string][]string)
	for venue, events := range c.venues {
		ev, ok := events[eventID]
		if !ok {
			continue
		}
		for outcome := range ev.Outcomes {
			out[outcome] = append(out[outcome], venue)
		}
	}
	for outcome := range out {
		sort.Strings(out[outcome])
	}
	return out
}

// Events returns the sorted ids of all known events across venues.
func (c *Catalog) Events() []string {
	seen := make(map[string]bool)
	for _, events := range c.venues {
		for id := range events {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
