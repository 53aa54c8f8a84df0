package cache

import (
	"sync/atomic"
)

// Statistics tracks cache activity. Safe for concurrent use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
}

// NewStatistics creates an empty tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) lookup(hit bool) {
	if hit {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
}

func (s *Statistics) set(size int) {
	s.sets.Add(1)
	s.size.Store(int64(size))
}

func (s *Statistics) delete(size int) {
	s.deletes.Add(1)
	s.size.Store(int64(size))
}

func (s *Statistics) evict() { s.evictions.Add(1) }

func (s *Statistics) resize(size int) { s.size.Store(int64(size)) }

func (s *Statistics) Hits() int64      { return s.hits.Load() }
func (s *Statistics) Misses() int64    { return s.misses.Load() }
func (s *Statistics) Sets() int64      { return s.sets.Load() }
func (s *Statistics) Deletes() int64   { return s.deletes.Load() }
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }
func (s *Statistics) Size() int64      { return s.size.Load() }

// HitRatio returns hits divided by lookups, or 0 before any lookup.
func (s *Statistics) HitRatio() float64 {
	total := s.Hits() + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(s.Hits()) / float64(total)
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	Size      int64   `json:"size"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:      s.Hits(),
		Misses:    s.Misses(),
		Sets:      s.Sets(),
		Deletes:   s.Deletes(),
		Evictions: s.Evictions(),
		Size:      s.Size(),
		HitRatio:  s.HitRatio(),
	}
}
