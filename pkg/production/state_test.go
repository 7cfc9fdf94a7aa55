package production

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/menta2k/production-vision/pkg/bom"
	"github.com/menta2k/production-vision/pkg/types"
)

func testBOM() *bom.Table {
	return bom.New(map[string]types.PartInfo{
		"WIDGET_OK": {Program: "P-100", PartNumber: "00042", Description: "Widget"},
		"GASKET_OK": {Program: "P-200", PartNumber: "00007", Description: "Gasket"},
	})
}

func snapshot(classes ...string) types.Snapshot {
	s := types.Snapshot{}
	for i, c := range classes {
		s.Detections = append(s.Detections, types.Detection{ClassName: c, TrackID: i + 1})
	}
	return s
}

func newState(t *testing.T) *State {
	return NewState(testBOM(), WithLogger(zaptest.NewLogger(t)))
}

func TestAttributeDetections(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.AttributeDetections(1, snapshot("WIDGET_OK")))

	r := s.Snapshot()
	line1, err := r.Line(1)
	require.NoError(t, err)
	assert.Equal(t, "P-100", line1.Part.Program)
	assert.Equal(t, "00042", line1.Part.PartNumber)
	assert.Equal(t, Production{}, line1.Production)
	assert.Equal(t, Scrap{}, line1.Scrap)

	line2, err := r.Line(2)
	require.NoError(t, err)
	assert.Equal(t, LineState{}, line2)
	assert.Equal(t, Totals{}, r.Totals)
}

func TestAttributeDetectionsLastWins(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.AttributeDetections(2, snapshot("WIDGET_OK", "GASKET_OK")))
	line2, _ := s.Snapshot().Line(2)
	assert.Equal(t, "Gasket", line2.Part.Description)
}

func TestAttributeDetectionsEmptyKeepsPart(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.AttributeDetections(1, snapshot("WIDGET_OK")))
	before := s.Snapshot()

	require.NoError(t, s.AttributeDetections(1, types.Snapshot{}))
	require.NoError(t, s.AttributeDetections(1, snapshot("")))
	assert.Equal(t, before, s.Snapshot())
}

func TestAttributeDetectionsBOMMiss(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.AttributeDetections(1, snapshot("WIDGET_OK")))
	require.NoError(t, s.AttributeDetections(1, snapshot("UNKNOWN")))

	line1, _ := s.Snapshot().Line(1)
	assert.Equal(t, types.PartInfo{}, line1.Part)

	noBOM := NewState(nil)
	require.NoError(t, noBOM.AttributeDetections(1, snapshot("WIDGET_OK")))
}

func TestInvalidLine(t *testing.T) {
	s := newState(t)
	for _, line := range []int{0, 3, -1} {
		assert.ErrorIs(t, s.AttributeDetections(line, snapshot("WIDGET_OK")), ErrInvalidLine)
	}
	_, err := s.Snapshot().Line(3)
	assert.ErrorIs(t, err, ErrInvalidLine)
}

func TestReset(t *testing.T) {
	mock := clock.NewMock()
	s := NewState(testBOM(), WithClock(mock))
	require.NoError(t, s.AttributeDetections(1, snapshot("WIDGET_OK")))

	mock.Add(time.Minute)
	s.Reset()
	r := s.Snapshot()
	assert.Equal(t, [Lines]LineState{}, r.Lines)
	assert.Equal(t, mock.Now(), r.UpdatedAt)
}

func TestReportJSON(t *testing.T) {
	s := newState(t)
	require.NoError(t, s.AttributeDetections(1, snapshot("WIDGET_OK")))

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	for _, key := range []string{
		"line1_part", "line1_production", "line1_scrap",
		"line2_part", "line2_production", "line2_scrap",
		"total_quantity", "total_delta", "total_scrap", "average_scrap_rate",
	} {
		assert.Contains(t, got, key)
	}
	assert.Len(t, got, 10)
	assert.Equal(t, map[string]any{
		"program":     "P-100",
		"number":      "00042",
		"description": "Widget",
		"name":        "Widget",
	}, got["line1_part"])
	assert.Equal(t, map[string]any{"quantity": 0.0, "delta": 0.0, "pph": 0.0}, got["line1_production"])
	assert.Equal(t, map[string]any{"total": 0.0, "rate": 0.0}, got["line2_scrap"])
}

// Readers must never observe line 1 and line 2 from different writes.
func TestSnapshotConsistent(t *testing.T) {
	s := newState(t)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		classes := []string{"WIDGET_OK", "GASKET_OK"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			s.mu.Lock()
			c := classes[i%2]
			s.lines[0].Part = s.resolve(c)
			s.lines[1].Part = s.resolve(c)
			s.publishLocked()
			s.mu.Unlock()
		}
	}()

	for i := 0; i < 2000; i++ {
		r := s.Snapshot()
		assert.Equal(t, r.Lines[0].Part, r.Lines[1].Part)
	}
	close(stop)
	wg.Wait()
}
