// Package cache provides the bounded LRU used to keep re-derived schedules.
//
// A compiled graph has one schedule per distinct entry state of its
// resources. Most applications alternate between a handful of states (first
// frame, steady state, after a resize), so the executor keeps recently used
// schedules keyed by a fingerprint of the entry state and evicts the least
// recently used one when the cache is full.
//
//	c := cache.New[uint64, *schedule](32)
//	s, err := c.GetOrCreate(fp, func() (*schedule, error) { return derive(entry) })
//
// # Thread Safety
//
// LRU is safe for concurrent use and must not be copied after creation.
package cache
