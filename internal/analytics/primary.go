package analytics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/wesm/annoreports/internal/db"
	"github.com/wesm/annoreports/internal/timeutil"
)

const msPerHour = 1000 * 3600

// computeObjects sums object events per action and UTC day.
// Every series covers the union of observed days.
func computeObjects(ctx context.Context, in *jobInput) (DataSeries, error) {
	rows, err := in.extractors.Objects.ForJob(ctx, in.job.ID)
	if err != nil {
		return nil, fmt.Errorf("extracting object events: %w", err)
	}

	counts := make(map[string]map[time.Time]float64)
	days := make(map[time.Time]bool)
	for _, r := range rows {
		action, _, ok := strings.Cut(r.Label, ":")
		if !ok {
			continue
		}
		name := action + "d"
		if !slices.Contains(objectsMeta.Series, name) {
			continue
		}
		day := timeutil.DayStart(r.Timestamp)
		if counts[name] == nil {
			counts[name] = make(map[time.Time]float64)
		}
		counts[name][day] += r.Value
		days[day] = true
	}

	sorted := make([]time.Time, 0, len(days))
	for d := range days {
		sorted = append(sorted, d)
	}
	slices.SortFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	out := objectsMeta.empty()
	for _, name := range objectsMeta.Series {
		for _, d := range sorted {
			out[name] = append(out[name], Point{
				Value: counts[name][d], Datetime: d,
			})
		}
	}
	return out, nil
}

// computeAnnotationSpeed appends today's object count delta and
// working time to the job's previous series. A rerun on the
// same UTC day replaces the last bucket.
func computeAnnotationSpeed(
	ctx context.Context, in *jobInput,
) (DataSeries, error) {
	annotations, err := in.store.GetJobAnnotations(ctx, in.job.ID)
	if err != nil {
		return nil, err
	}
	objectCount := float64(annotations.Tags + annotations.Shapes)
	for _, t := range annotations.Tracks {
		objectCount += float64(trackLength(t, in.job.StopFrame))
	}

	series := speedMeta.empty()
	if prev := in.previous.Series(speedMeta.Key); prev != nil {
		series = prev.Clone()
		for _, name := range speedMeta.Series {
			if series[name] == nil {
				series[name] = []Point{}
			}
		}
	}

	now := in.now.Truncate(time.Second)
	baseTime := in.job.CreatedDate
	counts := series["object_count"]
	if n := len(counts); n > 0 && timeutil.SameDay(counts[n-1].Datetime, now) {
		counts = counts[:n-1]
		series["object_count"] = counts
		if wt := series["working_time"]; len(wt) > 0 {
			series["working_time"] = wt[:len(wt)-1]
		}
	}
	// The baseline is everything counted in earlier buckets.
	baseValue := 0.0
	for _, p := range counts {
		baseValue += p.Value
	}
	if n := len(counts); n > 0 {
		baseTime = counts[n-1].Datetime
	}

	series["object_count"] = append(series["object_count"], Point{
		Value: objectCount - baseValue, Datetime: now,
	})

	rows, err := in.extractors.WorkingTime.ForJob(ctx, in.job.ID)
	if err != nil {
		return nil, fmt.Errorf("extracting working time: %w", err)
	}
	var workingMs float64
	for _, r := range rows {
		if !r.Timestamp.Before(baseTime) && r.Timestamp.Before(now) {
			workingMs += r.Value
		}
	}
	series["working_time"] = append(series["working_time"], Point{
		Value: workingMs / msPerHour, Datetime: now,
	})
	return series, nil
}

// trackLength counts the frames a track is visible on. A track
// with one keyframe runs to the end of the job's segment.
func trackLength(t db.Track, stopFrame int) int {
	if len(t.Shapes) == 1 {
		return stopFrame - t.Shapes[0].Frame + 1
	}
	n := 0
	for i := 1; i < len(t.Shapes); i++ {
		prev, cur := t.Shapes[i-1], t.Shapes[i]
		if !prev.Outside {
			n += cur.Frame - prev.Frame
		}
	}
	return n
}

// computeAnnotationTime sums the hours the job spent in any
// state other than completed, starting as new at creation.
func computeAnnotationTime(
	ctx context.Context, in *jobInput,
) (DataSeries, error) {
	rows, err := in.extractors.JobStates.ForJob(ctx, in.job.ID)
	if err != nil {
		return nil, fmt.Errorf("extracting job states: %w", err)
	}

	state := db.StateNew
	cursor := in.job.CreatedDate
	var active time.Duration
	for _, r := range rows {
		if r.Timestamp.Before(cursor) {
			continue
		}
		if state != db.StateCompleted {
			active += r.Timestamp.Sub(cursor)
		}
		state, cursor = r.Label, r.Timestamp
	}
	if in.job.State != db.StateCompleted && in.now.After(cursor) {
		active += in.now.Sub(cursor)
	}

	return DataSeries{
		"total_annotating_time": {{
			Value:    active.Hours(),
			Datetime: in.now.Truncate(time.Second),
		}},
	}, nil
}
