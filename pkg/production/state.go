// Package production keeps per-line part and output accounting derived from
// the detections of each frame.
package production

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/menta2k/production-vision/pkg/client"
	"github.com/menta2k/production-vision/pkg/types"
)

// Lines is the number of production lines tracked
const Lines = 2

// ErrInvalidLine is returned for line numbers outside 1..Lines
var ErrInvalidLine = errors.New("invalid line number")

// Production holds output counters. The counting rules are not defined yet,
// so these stay at zero.
type Production struct {
	Quantity int     `json:"quantity"`
	Delta    int     `json:"delta"`
	PPH      float64 `json:"pph"`
}

// Scrap holds reject counters, zero for the same reason as Production
type Scrap struct {
	Total int     `json:"total"`
	Rate  float64 `json:"rate"`
}

// LineState is the accounting for one line
type LineState struct {
	Part       types.PartInfo `json:"part"`
	Production Production     `json:"production"`
	Scrap      Scrap          `json:"scrap"`
}

// Totals aggregates all lines
type Totals struct {
	Quantity  int     `json:"quantity"`
	Delta     int     `json:"delta"`
	Scrap     int     `json:"scrap"`
	ScrapRate float64 `json:"scrap_rate"`
}

// Report is a consistent view of every line plus totals at one instant
type Report struct {
	Lines     [Lines]LineState
	Totals    Totals
	UpdatedAt time.Time
}

// Line returns the state of line n (1-based)
func (r Report) Line(n int) (LineState, error) {
	if n < 1 || n > Lines {
		return LineState{}, fmt.Errorf("%w: %d", ErrInvalidLine, n)
	}
	return r.Lines[n-1], nil
}

type partJSON struct {
	Program     string `json:"program"`
	Number      string `json:"number"`
	Description string `json:"description"`
	Name        string `json:"name"`
}

func toPartJSON(p types.PartInfo) partJSON {
	return partJSON{Program: p.Program, Number: p.PartNumber, Description: p.Description, Name: p.Description}
}

// MarshalJSON writes the flat layout dashboards consume
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Line1Part        partJSON   `json:"line1_part"`
		Line1Production  Production `json:"line1_production"`
		Line1Scrap       Scrap      `json:"line1_scrap"`
		Line2Part        partJSON   `json:"line2_part"`
		Line2Production  Production `json:"line2_production"`
		Line2Scrap       Scrap      `json:"line2_scrap"`
		TotalQuantity    int        `json:"total_quantity"`
		TotalDelta       int        `json:"total_delta"`
		TotalScrap       int        `json:"total_scrap"`
		AverageScrapRate float64    `json:"average_scrap_rate"`
	}{
		Line1Part:        toPartJSON(r.Lines[0].Part),
		Line1Production:  r.Lines[0].Production,
		Line1Scrap:       r.Lines[0].Scrap,
		Line2Part:        toPartJSON(r.Lines[1].Part),
		Line2Production:  r.Lines[1].Production,
		Line2Scrap:       r.Lines[1].Scrap,
		TotalQuantity:    r.Totals.Quantity,
		TotalDelta:       r.Totals.Delta,
		TotalScrap:       r.Totals.Scrap,
		AverageScrapRate: r.Totals.ScrapRate,
	})
}

// State is the production accounting shared between the pipeline and the
// dashboard. Writers serialize on a mutex; readers load the last published
// Report without locking.
type State struct {
	mu     sync.Mutex
	bom    client.BOM
	lines  [Lines]LineState
	logger *zap.Logger
	clock  clock.Clock
	report atomic.Pointer[Report]
}

// Option configures a State
type Option func(*State)

func WithLogger(logger *zap.Logger) Option {
	return func(s *State) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *State) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewState creates a zeroed State resolving classes through bom
func NewState(bom client.BOM, opts ...Option) *State {
	s := &State{
		bom:    bom,
		logger: zap.NewNop(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mu.Lock()
	s.publishLocked()
	s.mu.Unlock()
	return s
}

// AttributeDetections sets the line's current part from the snapshot. The
// last detection with a class name wins; an empty snapshot changes nothing.
// Classes missing from the BOM yield an empty part.
func (s *State) AttributeDetections(line int, snap types.Snapshot) error {
	if line < 1 || line > Lines {
		return fmt.Errorf("%w: %d", ErrInvalidLine, line)
	}
	if snap.Len() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, d := range snap.Detections {
		if d.ClassName == "" {
			continue
		}
		s.lines[line-1].Part = s.resolve(d.ClassName)
		changed = true
	}
	if changed {
		s.publishLocked()
	}
	return nil
}

func (s *State) resolve(className string) types.PartInfo {
	if s.bom == nil {
		return types.PartInfo{}
	}
	part, ok := s.bom.Lookup(className)
	if !ok {
		s.logger.Debug("class not in bom", zap.String("class", className))
		return types.PartInfo{}
	}
	return part
}

// Snapshot returns the last published report
func (s *State) Snapshot() Report {
	return *s.report.Load()
}

// Reset returns every line to the zero state
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = [Lines]LineState{}
	s.publishLocked()
	s.logger.Info("production state reset")
}

func (s *State) publishLocked() {
	r := &Report{Lines: s.lines, UpdatedAt: s.clock.Now()}
	var rates float64
	for _, l := range s.lines {
		r.Totals.Quantity += l.Production.Quantity
		r.Totals.Delta += l.Production.Delta
		r.Totals.Scrap += l.Scrap.Total
		rates += l.Scrap.Rate
	}
	r.Totals.ScrapRate = rates / Lines
	s.report.Store(r)
}
