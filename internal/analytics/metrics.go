package analytics

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/events"
	"github.com/wesm/annoreports/internal/timeutil"
)

const (
	GranularityDay = "day"

	ViewHistogram = "histogram"
	ViewNumeric   = "numeric"

	OpDivision = "/"
)

// Meta describes a metric. Description may contain one %s,
// replaced by the resource kind ("Job", "Task", "Project").
type Meta struct {
	Key              string
	Title            string
	Description      string
	Granularity      string
	DefaultView      string
	Transformations  []Transformation
	FilterableByDate bool
	Series           []string
}

func (m Meta) entry(kind db.Kind, series DataSeries) Entry {
	desc := m.Description
	if kind != "" {
		desc = fmt.Sprintf(m.Description, kindTitle(kind))
	}
	return Entry{
		Name:               m.Key,
		Title:              m.Title,
		Description:        desc,
		Granularity:        m.Granularity,
		DefaultView:        m.DefaultView,
		Transformations:    m.Transformations,
		IsFilterableByDate: m.FilterableByDate,
		DataSeries:         series,
	}
}

// empty returns the series of m with no points.
func (m Meta) empty() DataSeries {
	s := make(DataSeries, len(m.Series))
	for _, name := range m.Series {
		s[name] = []Point{}
	}
	return s
}

func kindTitle(k db.Kind) string {
	switch k {
	case db.KindJob:
		return "Job"
	case db.KindTask:
		return "Task"
	case db.KindProject:
		return "Project"
	}
	return string(k)
}

// Metric is either a *Primary or a *Derived.
type Metric interface {
	Info() Meta
	sealed()
}

// jobInput is what a primary metric reads for one job.
type jobInput struct {
	job        db.Job
	previous   Statistics
	extractors events.Extractors
	store      Store
	now        time.Time
}

// Primary computes a series from one job's data.
type Primary struct {
	Meta
	compute func(ctx context.Context, in *jobInput) (DataSeries, error)
}

func (p *Primary) Info() Meta { return p.Meta }
func (*Primary) sealed()      {}

// Derived combines the Source series of child statistics.
type Derived struct {
	Meta
	Source  string
	combine func(names []string, children []DataSeries, now time.Time) DataSeries
}

func (d *Derived) Info() Meta { return d.Meta }
func (*Derived) sealed()      {}

// Combine aggregates the Source series of every child.
func (d *Derived) Combine(children []Statistics, now time.Time) DataSeries {
	var sources []DataSeries
	for _, c := range children {
		if s := c.Series(d.Source); s != nil {
			sources = append(sources, s)
		}
	}
	out := d.combine(d.Series, sources, now)
	for _, name := range d.Series {
		if out[name] == nil {
			out[name] = []Point{}
		}
	}
	return out
}

var speedTransformations = []Transformation{{
	Name: "annotation_speed",
	Binary: &BinaryOp{
		Left:     "object_count",
		Operator: OpDivision,
		Right:    "working_time",
	},
}}

var (
	objectsMeta = Meta{
		Key:              "objects",
		Title:            "Objects",
		Description:      "Metric shows number of added/changed/deleted objects for the %s.",
		Granularity:      GranularityDay,
		DefaultView:      ViewHistogram,
		FilterableByDate: true,
		Series:           []string{"created", "updated", "deleted"},
	}
	speedMeta = Meta{
		Key:             "annotation_speed",
		Title:           "Annotation speed (objects per hour)",
		Description:     "Metric shows the annotation speed in objects per hour for the %s.",
		Granularity:     GranularityDay,
		DefaultView:     ViewHistogram,
		Transformations: speedTransformations,
		Series:          []string{"object_count", "working_time"},
	}
	timeMeta = Meta{
		Key:         "annotation_time",
		Title:       "Annotation time (hours)",
		Description: "Metric shows how long the %s spent outside the completed state.",
		Granularity: GranularityDay,
		DefaultView: ViewNumeric,
		Series:      []string{"total_annotating_time"},
	}
	totalCountMeta = Meta{
		Key:         "total_object_count",
		Title:       "Total object count",
		Description: "Metric shows total object count in the %s.",
		Granularity: GranularityDay,
		DefaultView: ViewNumeric,
		Series:      []string{"count"},
	}
	totalSpeedMeta = Meta{
		Key:             "total_annotation_speed",
		Title:           "Total annotation speed (objects per hour)",
		Description:     "Metric shows total annotation speed in the %s.",
		Granularity:     GranularityDay,
		DefaultView:     ViewNumeric,
		Transformations: speedTransformations,
		Series:          []string{"object_count", "working_time"},
	}
)

var (
	jobPrimary = []*Primary{
		{Meta: objectsMeta, compute: computeObjects},
		{Meta: speedMeta, compute: computeAnnotationSpeed},
		{Meta: timeMeta, compute: computeAnnotationTime},
	}
	// totals derived from the job's own primary statistics
	jobDerived = []*Derived{
		{Meta: totalCountMeta, Source: "annotation_speed", combine: totalCount},
		{Meta: totalSpeedMeta, Source: "annotation_speed", combine: totalSpeed},
	}
	// task and project metrics, derived from child jobs
	parentDerived = []*Derived{
		{Meta: objectsMeta, Source: "objects", combine: sumByDay},
		{Meta: speedMeta, Source: "annotation_speed", combine: sumByDay},
		{Meta: timeMeta, Source: "annotation_time", combine: sumTotal},
		{Meta: totalCountMeta, Source: "annotation_speed", combine: totalCount},
		{Meta: totalSpeedMeta, Source: "annotation_speed", combine: totalSpeed},
	}
)

// Catalog returns the metrics reported for kind, in report
// order.
func Catalog(kind db.Kind) []Metric {
	var out []Metric
	if kind == db.KindJob {
		for _, p := range jobPrimary {
			out = append(out, p)
		}
		for _, d := range jobDerived {
			out = append(out, d)
		}
		return out
	}
	for _, d := range parentDerived {
		out = append(out, d)
	}
	return out
}

// emptyStatistics is the report of kind before its first
// computation.
func emptyStatistics(kind db.Kind) Statistics {
	var s Statistics
	for _, m := range Catalog(kind) {
		meta := m.Info()
		s = append(s, meta.entry(kind, meta.empty()))
	}
	return s
}

// sumByDay merges each named series by summing points that
// fall on the same UTC day. Output points are at day start, in
// order.
func sumByDay(names []string, children []DataSeries, _ time.Time) DataSeries {
	out := make(DataSeries, len(names))
	for _, name := range names {
		byDay := make(map[time.Time]float64)
		for _, child := range children {
			for _, p := range child[name] {
				byDay[timeutil.DayStart(p.Datetime)] += p.Value
			}
		}
		days := make([]time.Time, 0, len(byDay))
		for d := range byDay {
			days = append(days, d)
		}
		slices.SortFunc(days, func(a, b time.Time) int { return a.Compare(b) })
		points := make([]Point, 0, len(days))
		for _, d := range days {
			points = append(points, Point{Value: byDay[d], Datetime: d})
		}
		out[name] = points
	}
	return out
}

func sumSeries(children []DataSeries, name string) float64 {
	var total float64
	for _, child := range children {
		for _, p := range child[name] {
			total += p.Value
		}
	}
	return total
}

// sumTotal collapses each named series to one point at now.
func sumTotal(names []string, children []DataSeries, now time.Time) DataSeries {
	out := make(DataSeries, len(names))
	for _, name := range names {
		out[name] = []Point{{Value: sumSeries(children, name), Datetime: now}}
	}
	return out
}

func totalCount(_ []string, children []DataSeries, now time.Time) DataSeries {
	return DataSeries{
		"count": {{Value: sumSeries(children, "object_count"), Datetime: now}},
	}
}

// totalSpeed keeps numerator and denominator so the rate is
// recombined with each child's weight.
func totalSpeed(_ []string, children []DataSeries, now time.Time) DataSeries {
	return DataSeries{
		"object_count": {{Value: sumSeries(children, "object_count"), Datetime: now}},
		"working_time": {{Value: sumSeries(children, "working_time"), Datetime: now}},
	}
}
