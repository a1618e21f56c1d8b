// Package viewport computes when a participant's visible region has
// changed enough to be worth telling peers about. Broadcasts are gated by
// an intersection-over-union similarity threshold combined with a minimum
// interval; changes inside the window coalesce, latest wins.
package viewport

import "time"

// Rect is a viewport in document coordinate space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rect's area, zero for degenerate rects.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Intersect returns the overlapping region of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x1 := max(r.X, o.X)
	y1 := max(r.Y, o.Y)
	x2 := min(r.X+r.Width, o.X+o.Width)
	y2 := min(r.Y+r.Height, o.Y+o.Height)
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// IoU is the intersection-over-union similarity of two rects, in [0, 1].
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

const (
	// DefaultSimilarityThreshold is the IoU below which a change counts.
	DefaultSimilarityThreshold = 0.90
	// DefaultMinInterval is the floor between two broadcasts.
	DefaultMinInterval = 250 * time.Millisecond
)

// SyncManager throttles outbound viewport updates. Not safe for
// concurrent use; it is owned by the session loop.
type SyncManager struct {
	threshold   float64
	minInterval time.Duration

	last     *Rect // last broadcast rect
	lastSent time.Time
	pending  *Rect // coalesced change waiting out the window
}

// NewSyncManager returns a manager with the given knobs; zero values pick
// defaults.
func NewSyncManager(threshold float64, minInterval time.Duration) *SyncManager {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &SyncManager{threshold: threshold, minInterval: minInterval}
}

// OnViewportChanged records a new viewport and returns the rect to
// broadcast now, or nil if the change is too similar or too soon. Too-soon
// changes are kept as pending and released by Poll.
func (m *SyncManager) OnViewportChanged(r Rect, now time.Time) *Rect {
	if m.last == nil {
		return m.send(r, now)
	}
	if m.last.IoU(r) >= m.threshold {
		// Near-identical to what peers already have. Still remember it:
		// if a dissimilar rect is pending, the latest change wins.
		if m.pending != nil {
			m.pending = &r
		}
		return nil
	}
	if now.Sub(m.lastSent) < m.minInterval {
		m.pending = &r
		return nil
	}
	return m.send(r, now)
}

// Poll releases a coalesced pending change once the throttle window has
// elapsed, if it is still dissimilar enough to matter.
func (m *SyncManager) Poll(now time.Time) *Rect {
	if m.pending == nil || now.Sub(m.lastSent) < m.minInterval {
		return nil
	}
	r := *m.pending
	m.pending = nil
	if m.last != nil && m.last.IoU(r) >= m.threshold {
		return nil
	}
	return m.send(r, now)
}

func (m *SyncManager) send(r Rect, now time.Time) *Rect {
	m.last = &r
	m.lastSent = now
	m.pending = nil
	out := r
	return &out
}
