// Package stats aggregates the skills directory into one snapshot: how
// many domains and endpoints the tool knows, how healthy their tiers
// are, and what the captures cost in browser traffic.
package stats

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"apitap/internal/constants"
	"apitap/internal/monitoring"
	"apitap/internal/skill"
	"apitap/internal/skill/store"
)

// DomainStats summarizes one skill file.
type DomainStats struct {
	Domain        string         `json:"domain"`
	Endpoints     int            `json:"endpoints"`
	Tiers         map[string]int `json:"tiers"`
	CapturedAt    time.Time      `json:"capturedAt"`
	CaptureCount  int            `json:"captureCount"`
	FilteredCount int            `json:"filteredCount"`
	HasAuth       bool           `json:"hasAuth"`
	BrowserMode   string         `json:"browserMode,omitempty"`
}

// Snapshot is the aggregate over every readable skill file.
type Snapshot struct {
	GeneratedAt       time.Time      `json:"generatedAt"`
	SkillFiles        int            `json:"skillFiles"`
	Unreadable        int            `json:"unreadable,omitempty"`
	Endpoints         int            `json:"endpoints"`
	Verified          int            `json:"verified"`
	GraphQLOperations int            `json:"graphqlOperations"`
	CaptureCount      int            `json:"captureCount"`
	Tiers             map[string]int `json:"tiers"`
	NetworkBytes      int64          `json:"networkBytes"`
	BrowserRequests   int64          `json:"browserRequests"`
	LastCapturedAt    time.Time      `json:"lastCapturedAt,omitempty"`
	Domains           []DomainStats  `json:"domains"`
}

// Collector scans the skills directory on demand and reuses a recent
// scan. Safe for concurrent use.
type Collector struct {
	store *store.Store
	ttl   time.Duration

	mu       sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
}

// NewCollector builds a collector over the skill store.
func NewCollector(st *store.Store) *Collector {
	return &Collector{store: st, ttl: constants.StatsCacheTTL}
}

// Snapshot returns the current aggregate, rescanning only when the
// cached one has aged out.
func (c *Collector) Snapshot() (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cached != nil && time.Since(c.cachedAt) < c.ttl {
		return c.cached, nil
	}
	snap, err := c.scan()
	if err != nil {
		return nil, err
	}
	c.cached, c.cachedAt = snap, time.Now()
	return snap, nil
}

// Invalidate drops the cached snapshot so the next call rescans.
// Wired to skills.changed.
func (c *Collector) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

func (c *Collector) scan() (*Snapshot, error) {
	domains, err := c.store.List()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Tiers:       make(map[string]int),
		Domains:     make([]DomainStats, 0, len(domains)),
	}

	for _, domain := range domains {
		sf, err := c.store.Read(domain, false)
		if err != nil {
			log.WithError(err).WithField("domain", domain).Warn("stats: skipping unreadable skill file")
			snap.Unreadable++
			continue
		}

		ds := DomainStats{
			Domain:        domain,
			Endpoints:     len(sf.Endpoints),
			Tiers:         make(map[string]int),
			CapturedAt:    sf.CapturedAt,
			CaptureCount:  sf.Metadata.CaptureCount,
			FilteredCount: sf.Metadata.FilteredCount,
			HasAuth:       sf.Auth != nil,
		}
		if sf.Auth != nil {
			ds.BrowserMode = sf.Auth.BrowserMode
		}

		for _, ep := range sf.Endpoints {
			level := skill.TierUnknown
			if ep.Tier != nil && ep.Tier.Level != "" {
				level = ep.Tier.Level
			}
			ds.Tiers[level]++
			snap.Tiers[level]++
			if ep.Tier != nil && ep.Tier.Verified {
				snap.Verified++
			}
			if ep.Operation != "" {
				snap.GraphQLOperations++
			}
		}

		if bc := sf.Metadata.BrowserCost; bc != nil {
			snap.NetworkBytes += bc.TotalNetworkBytes
			snap.BrowserRequests += bc.TotalRequests
		}

		snap.Endpoints += ds.Endpoints
		snap.CaptureCount += ds.CaptureCount
		if sf.CapturedAt.After(snap.LastCapturedAt) {
			snap.LastCapturedAt = sf.CapturedAt
		}
		snap.Domains = append(snap.Domains, ds)
	}

	snap.SkillFiles = len(snap.Domains)
	monitoring.SkillFilesGauge.Set(float64(snap.SkillFiles))
	monitoring.SkillEndpointsGauge.Set(float64(snap.Endpoints))
	return snap, nil
}
