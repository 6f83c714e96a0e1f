package models

import (
	"fmt"
	"time"
)

// MinObservations is the hard lower bound on series length for any model fit.
const MinObservations = 10

// ObservationPoint is a single recorded incident count for a location.
// Points are immutable once recorded.
type ObservationPoint struct {
	Timestamp time.Time
	Location  string
	Count     int
}

// ObservationSeries is the ordered incident history of one location.
// Timestamps are strictly increasing; gaps must be represented explicitly
// as zero-count points by the upstream store.
type ObservationSeries struct {
	Location string
	Points   []ObservationPoint
}

// NewObservationSeries validates and builds a series. It rejects negative
// counts, duplicate timestamps and out-of-order points.
func NewObservationSeries(location string, points []ObservationPoint) (*ObservationSeries, error) {
	if location == "" {
		return nil, fmt.Errorf("observation series: location is required")
	}
	var last time.Time
	for i, p := range points {
		if p.Count < 0 {
			return nil, fmt.Errorf("observation series: negative count %d at index %d", p.Count, i)
		}
		if i > 0 && !p.Timestamp.After(last) {
			return nil, fmt.Errorf("observation series: non-increasing timestamp at index %d", i)
		}
		last = p.Timestamp
	}
	cp := make([]ObservationPoint, len(points))
	copy(cp, points)
	return &ObservationSeries{Location: location, Points: cp}, nil
}

func (s *ObservationSeries) Len() int { return len(s.Points) }

// Values returns the counts as a float slice for model fitting.
func (s *ObservationSeries) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = float64(p.Count)
	}
	return out
}

// Times returns the point timestamps.
func (s *ObservationSeries) Times() []time.Time {
	out := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Timestamp
	}
	return out
}

// Step returns the spacing between consecutive points. Weekly data is the
// expected cadence; a single-interval estimate from the tail is enough.
func (s *ObservationSeries) Step() time.Duration {
	n := len(s.Points)
	if n < 2 {
		return 7 * 24 * time.Hour
	}
	return s.Points[n-1].Timestamp.Sub(s.Points[n-2].Timestamp)
}

// Prefix returns a view of the first n points, sharing backing storage.
// The series is read-only to all consumers so sharing is safe.
func (s *ObservationSeries) Prefix(n int) *ObservationSeries {
	if n > len(s.Points) {
		n = len(s.Points)
	}
	return &ObservationSeries{Location: s.Location, Points: s.Points[:n]}
}

// Suffix returns a view of the last n points.
func (s *ObservationSeries) Suffix(n int) *ObservationSeries {
	if n > len(s.Points) {
		n = len(s.Points)
	}
	return &ObservationSeries{Location: s.Location, Points: s.Points[len(s.Points)-n:]}
}
