package pointcloud

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lidarview/internal/timeutil"
)

// Policy selects how Integrate combines incoming points with stored ones.
type Policy string

const (
	// PolicyAppend keeps every point ever received, in arrival order.
	PolicyAppend Policy = "append"
	// PolicyMerge keeps one point per key; a later point replaces the
	// earlier one in place.
	PolicyMerge Policy = "merge"
	// PolicyReplace discards the stored points on every non-empty batch.
	PolicyReplace Policy = "replace"
)

// ParsePolicy parses a policy name. The empty string means append.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAppend:
		return PolicyAppend, nil
	case PolicyMerge:
		return PolicyMerge, nil
	case PolicyReplace:
		return PolicyReplace, nil
	}
	return "", fmt.Errorf("unknown update policy %q (want append, merge or replace)", s)
}

// Aggregates are the derived outputs reported alongside the points.
type Aggregates struct {
	Count         int       `json:"count"`
	LastUpdate    time.Time `json:"last_update"`
	MeanDistance  float64   `json:"mean_distance"`
	MeanIntensity float64   `json:"mean_intensity"`
	Bounds        Bounds    `json:"bounds"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for LastUpdate.
func WithClock(c timeutil.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithKeyConfig sets how keys are derived for points arriving without one.
func WithKeyConfig(k KeyConfig) StoreOption {
	return func(s *Store) { s.keys = k }
}

// WithMaxPoints caps the point count under the append and replace policies,
// including Replace. Oldest points are dropped first. Merge stores are
// bounded by their key space and ignore the cap. Zero disables it.
func WithMaxPoints(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxPoints = n
		}
	}
}

// Store accumulates points under a single update policy.
//
// Writers are serialized by mu; Snapshot, Bounds and Aggregates take the read
// lock and return copies, so a reader never observes a half-applied batch.
type Store struct {
	mu        sync.RWMutex
	policy    Policy
	clock     timeutil.Clock
	keys      KeyConfig
	maxPoints int

	points []Point
	index  map[int64]int // key -> position in points, merge policy only

	bounds     Bounds
	sumRange   float64
	sumInt     float64
	lastUpdate time.Time
}

// NewStore creates an empty store.
func NewStore(policy Policy, opts ...StoreOption) *Store {
	if policy == "" {
		policy = PolicyAppend
	}
	s := &Store{
		policy: policy,
		clock:  timeutil.RealClock{},
		index:  make(map[int64]int),
		bounds: EmptyBounds(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Policy returns the configured update policy.
func (s *Store) Policy() Policy {
	return s.policy
}

// Integrate adds a batch under the store's policy. An empty batch is a no-op
// and does not touch LastUpdate. A batch containing a non-finite point is
// rejected whole.
func (s *Store) Integrate(points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := validateAll(points); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.policy {
	case PolicyReplace:
		s.resetLocked()
		s.points = append(s.points, points...)
		s.capLocked()
	case PolicyMerge:
		for _, p := range points {
			k := s.keys.PointKey(p)
			p = p.WithKey(k)
			if i, ok := s.index[k]; ok {
				s.points[i] = p
				continue
			}
			s.index[k] = len(s.points)
			s.points = append(s.points, p)
		}
	default:
		s.points = append(s.points, points...)
		s.capLocked()
	}

	s.recomputeLocked()
	s.lastUpdate = s.clock.Now()
	return nil
}

// Replace swaps the whole content for points regardless of policy. Used for
// snapshot import. Replacing with an empty slice is equivalent to Clear but
// still stamps LastUpdate.
func (s *Store) Replace(points []Point) error {
	if err := validateAll(points); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	for _, p := range points {
		if s.policy == PolicyMerge {
			k := s.keys.PointKey(p)
			p = p.WithKey(k)
			if i, ok := s.index[k]; ok {
				s.points[i] = p
				continue
			}
			s.index[k] = len(s.points)
		}
		s.points = append(s.points, p)
	}
	if s.policy != PolicyMerge {
		s.capLocked()
	}
	s.recomputeLocked()
	s.lastUpdate = s.clock.Now()
	return nil
}

// capLocked drops the oldest points beyond maxPoints. Not for merge stores,
// whose index holds positions.
func (s *Store) capLocked() {
	if s.maxPoints > 0 && len(s.points) > s.maxPoints {
		drop := len(s.points) - s.maxPoints
		s.points = append(s.points[:0:0], s.points[drop:]...)
	}
}

// Clear empties the store and resets the bounds to the empty sentinel.
// Clearing an empty store changes nothing.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.points) == 0 {
		return
	}
	s.resetLocked()
	s.recomputeLocked()
}

// Len returns the current number of points.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Snapshot returns a copy of the points with their bounds.
func (s *Store) Snapshot() PointSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]Point, len(s.points))
	copy(cp, s.points)
	return PointSet{Points: cp, Bounds: s.bounds}
}

// Bounds returns the cached bounds.
func (s *Store) Bounds() Bounds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bounds
}

// Aggregates returns count, means, bounds and last update time, all taken
// from the same store state.
func (s *Store) Aggregates() Aggregates {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := Aggregates{
		Count:      len(s.points),
		LastUpdate: s.lastUpdate,
		Bounds:     s.bounds,
	}
	if n := float64(len(s.points)); n > 0 {
		a.MeanDistance = s.sumRange / n
		a.MeanIntensity = s.sumInt / n
	}
	return a
}

func (s *Store) resetLocked() {
	s.points = nil
	clear(s.index)
}

// recomputeLocked refreshes bounds and sums in one pass.
func (s *Store) recomputeLocked() {
	s.sumRange, s.sumInt = 0, 0
	if len(s.points) == 0 {
		s.bounds = EmptyBounds()
		return
	}
	b := newOpenBounds()
	for i := range s.points {
		p := &s.points[i]
		b.extend(p)
		s.sumRange += p.Range()
		s.sumInt += p.Intensity
	}
	s.bounds = b
}

func validateAll(points []Point) error {
	for i := range points {
		if err := points[i].Validate(); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}
	return nil
}
