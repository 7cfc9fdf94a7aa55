package vision

import (
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/menta2k/production-vision/pkg/types"
)

const (
	// DefaultIOUThreshold is the minimum overlap for a box to continue a track
	DefaultIOUThreshold = 0.3
	// DefaultMaxAge is how many frames a track survives without a match
	DefaultMaxAge = 30
)

// Observation is one confident detection in pixel coordinates
type Observation struct {
	Box        types.Rect
	Class      int
	Confidence float64
}

type track struct {
	id    int
	class int
	box   types.Rect
	age   int
}

// IOUTracker assigns persistent ids to boxes by matching them against the
// previous frame's boxes of the same class. Ids start at 1 and grow; they are
// only handed out again after Reset.
type IOUTracker struct {
	mu        sync.Mutex
	threshold float64
	maxAge    int
	nextID    int
	tracks    []*track
}

// NewIOUTracker creates a tracker. Non-positive arguments take the defaults.
func NewIOUTracker(threshold float64, maxAge int) *IOUTracker {
	if threshold <= 0 {
		threshold = DefaultIOUThreshold
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &IOUTracker{threshold: threshold, maxAge: maxAge, nextID: 1}
}

// Update matches observations to live tracks and returns an id per
// observation, parallel to obs. Higher confidence observations pick first.
func (t *IOUTracker) Update(obs []Observation) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, len(obs))
	order := make([]int, len(obs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return obs[order[a]].Confidence > obs[order[b]].Confidence
	})

	matched := make(map[*track]bool, len(t.tracks))
	for _, i := range order {
		o := obs[i]
		var best *track
		bestIoU := t.threshold
		for _, tr := range t.tracks {
			if matched[tr] || tr.class != o.Class {
				continue
			}
			if iou := IoU(tr.box, o.Box); iou >= bestIoU {
				best, bestIoU = tr, iou
			}
		}
		if best == nil {
			best = &track{id: t.nextID, class: o.Class}
			t.nextID++
			t.tracks = append(t.tracks, best)
		}
		best.box = o.Box
		best.age = 0
		matched[best] = true
		ids[i] = best.id
	}

	for _, tr := range t.tracks {
		if !matched[tr] {
			tr.age++
		}
	}
	t.tracks = lo.Filter(t.tracks, func(tr *track, _ int) bool {
		return tr.age <= t.maxAge
	})
	return ids
}

// Reset forgets every track and restarts ids at 1
func (t *IOUTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks = nil
	t.nextID = 1
}

// Active returns the number of live tracks
func (t *IOUTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}

// IoU is the intersection over union of two boxes
func IoU(a, b types.Rect) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	inter := max(0, x2-x1) * max(0, y2-y1)
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
