package veil

// CacheStats are the counters of one cache tier.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// HitRate returns the fraction of lookups answered from the cache.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the counters of the decision tier, the cache's hot path.
func (c *VisibilityCache) Stats() CacheStats {
	return c.decisions.stats()
}

// Stats is a point-in-time snapshot of the plugin's runtime counters, shown by
// the stats command.
type Stats struct {
	Decisions      CacheStats
	ChunksVeiled   uint64
	BlocksHidden   uint64
	DecodeFailures uint64
	EntitiesHidden uint64
	TrackedPlayers int
}
