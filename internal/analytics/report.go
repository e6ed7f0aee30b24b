package analytics

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/wesm/annoreports/internal/db"
)

// Point is one bucket of a data series.
type Point struct {
	Value    float64   `json:"value"`
	Datetime time.Time `json:"datetime"`
}

// DataSeries maps series names to time-ordered points.
type DataSeries map[string][]Point

// Clone returns a deep copy of s.
func (s DataSeries) Clone() DataSeries {
	out := make(DataSeries, len(s))
	for name, points := range s {
		out[name] = append([]Point(nil), points...)
	}
	return out
}

// BinaryOp divides, multiplies, adds, or subtracts two series.
type BinaryOp struct {
	Left     string `json:"left"`
	Operator string `json:"operator"`
	Right    string `json:"right"`
}

// Transformation is a presentation hint: a series computed by
// the client from the stored ones.
type Transformation struct {
	Name   string    `json:"name"`
	Binary *BinaryOp `json:"binary,omitempty"`
}

// Entry is one metric's statistics inside a report.
type Entry struct {
	Name               string           `json:"name"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	Granularity        string           `json:"granularity"`
	DefaultView        string           `json:"default_view"`
	Transformations    []Transformation `json:"transformations"`
	IsFilterableByDate bool             `json:"is_filterable_by_date"`
	DataSeries         DataSeries       `json:"data_series"`
}

// Report is the read model of a stored report.
type Report struct {
	Target      db.Kind    `json:"target"`
	ID          int64      `json:"id"`
	CreatedDate *time.Time `json:"created_date"`
	Statistics  Statistics `json:"statistics"`
}

// Statistics is a report's entry list.
type Statistics []Entry

// Get returns the entry with the given metric key.
func (s Statistics) Get(name string) (Entry, bool) {
	for _, e := range s {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Series returns the data series of the named entry, or nil.
func (s Statistics) Series(name string) DataSeries {
	if e, ok := s.Get(name); ok {
		return e.DataSeries
	}
	return nil
}

func decodeStatistics(raw []byte) (Statistics, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s Statistics
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding statistics: %w", err)
	}
	return s, nil
}

func encodeStatistics(s Statistics) ([]byte, error) {
	if s == nil {
		s = Statistics{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding statistics: %w", err)
	}
	return raw, nil
}

// DateFilter restricts date-filterable entries to points in
// [Start, End]. Zero bounds are open.
type DateFilter struct {
	Start time.Time
	End   time.Time
}

func (f DateFilter) empty() bool {
	return f.Start.IsZero() && f.End.IsZero()
}

func (f DateFilter) keep(t time.Time) bool {
	if !f.Start.IsZero() && t.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && t.After(f.End) {
		return false
	}
	return true
}

// apply returns a copy of s with filterable entries trimmed.
func (f DateFilter) apply(s Statistics) Statistics {
	if f.empty() {
		return s
	}
	out := make(Statistics, len(s))
	for i, e := range s {
		out[i] = e
		if !e.IsFilterableByDate {
			continue
		}
		series := make(DataSeries, len(e.DataSeries))
		for name, points := range e.DataSeries {
			kept := []Point{}
			for _, p := range points {
				if f.keep(p.Datetime) {
					kept = append(kept, p)
				}
			}
			series[name] = kept
		}
		out[i].DataSeries = series
	}
	return out
}
