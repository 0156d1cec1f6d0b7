package cache

import (
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned by a Backend for a key it does not hold.
var ErrNotFound = errors.New("cache: entry not found")

// HitKind says how Get resolved a lookup.
type HitKind string

const (
	HitExact    HitKind = "exact"
	HitSemantic HitKind = "semantic"
	HitMiss     HitKind = "miss"
)

// Entry is one cached (request, result) pair.
type Entry struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Query        string    `json:"query,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	DependsOn    []string  `json:"dependsOn,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	AccessCount  int       `json:"accessCount"`
	ExpiresAt    time.Time `json:"expiresAt,omitzero"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Embedding = slices.Clone(e.Embedding)
	c.Tags = slices.Clone(e.Tags)
	c.DependsOn = slices.Clone(e.DependsOn)
	return &c
}

// SetOptions controls how Set stores an entry.
type SetOptions struct {
	// TTL overrides the cache default. A negative TTL never expires.
	TTL       time.Duration
	Tags      []string
	DependsOn []string
	// Priority orders eviction: lower priorities go first.
	Priority int
	// Query is embedded so the entry can serve semantic hits. Without it
	// the entry only serves exact hits.
	Query string
}

// Stats counts cache activity since creation.
type Stats struct {
	Entries       int `json:"entries"`
	ExactHits     int `json:"exactHits"`
	SemanticHits  int `json:"semanticHits"`
	Misses        int `json:"misses"`
	Evictions     int `json:"evictions"`
	Invalidations int `json:"invalidations"`
	Expired       int `json:"expired"`
}

// HitRate is the share of lookups served from the cache.
func (s Stats) HitRate() float64 {
	total := s.ExactHits + s.SemanticHits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.ExactHits+s.SemanticHits) / float64(total)
}
