package types

import "time"

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// RawDetection is a single object reported by a vision backend before tracking
type RawDetection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Rect is a pixel-space box given by its corners
type Rect struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

// TrackResult is the raw output of one tracking call. All slices are parallel.
// IDs is nil when the tracker could not assign identities for the frame.
type TrackResult struct {
	Boxes       []Rect
	Classes     []int
	IDs         []int
	Confidences []float64
}

// Len returns the number of boxes in the result
func (r *TrackResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Boxes)
}

// Detection is one tracked object in a frame, in integer pixel coordinates
type Detection struct {
	ClassName string `json:"class_name"`
	TrackID   int    `json:"track_id"`
	Box       [4]int `json:"box"`
}

// Snapshot is the ordered set of detections produced for one frame tick.
// A published Snapshot is never modified.
type Snapshot struct {
	Seq        uint64      `json:"seq"`
	Time       time.Time   `json:"time"`
	Detections []Detection `json:"detections"`
}

// Len returns the number of detections in the snapshot
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Detections)
}

// PartInfo is the manufacturing metadata for a detected part class
type PartInfo struct {
	Program     string `json:"program"`
	PartNumber  string `json:"part_number"`
	Description string `json:"description"`
}
