package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrackedShape is one keyframe of a track.
type TrackedShape struct {
	Frame   int
	Outside bool
}

// Track is a labeled track with its keyframes ordered by frame.
type Track struct {
	ID     int64
	Source string
	Shapes []TrackedShape
}

// JobAnnotations is the annotation state a job's object count
// is computed from. Imported (file-sourced) and child
// annotations are already excluded.
type JobAnnotations struct {
	Tags   int
	Shapes int
	Tracks []Track
}

// AddTag adds a tag on frame and touches the job.
func (db *DB) AddTag(
	ctx context.Context, jobID int64, frame int,
	source string, at time.Time,
) (int64, error) {
	return db.insertAnnotation(ctx, jobID, at,
		`INSERT INTO labeled_images (job_id, frame, source)
		 VALUES (?, ?, ?)`,
		jobID, frame, source,
	)
}

// AddShape adds a shape on frame and touches the job. A
// non-nil parentID makes it a child element of another shape.
func (db *DB) AddShape(
	ctx context.Context, jobID int64, frame int,
	source string, parentID *int64, at time.Time,
) (int64, error) {
	return db.insertAnnotation(ctx, jobID, at,
		`INSERT INTO labeled_shapes (job_id, frame, source, parent_id)
		 VALUES (?, ?, ?, ?)`,
		jobID, frame, source, parentID,
	)
}

// AddTrack adds a track with its keyframes and touches the job.
func (db *DB) AddTrack(
	ctx context.Context, jobID int64, source string,
	parentID *int64, shapes []TrackedShape, at time.Time,
) (int64, error) {
	if len(shapes) == 0 {
		return 0, fmt.Errorf("track needs at least one shape")
	}
	var id int64
	err := db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO labeled_tracks (job_id, frame, source, parent_id)
			 VALUES (?, ?, ?, ?)`,
			jobID, shapes[0].Frame, source, parentID,
		)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO tracked_shapes (track_id, frame, outside)
			 VALUES (?, ?, ?)`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range shapes {
			if _, err := stmt.ExecContext(
				ctx, id, s.Frame, s.Outside,
			); err != nil {
				return err
			}
		}
		return touch(ctx, tx, Ref{KindJob, jobID}, at)
	})
	if err != nil {
		return 0, fmt.Errorf("adding track: %w", err)
	}
	return id, nil
}

func (db *DB) insertAnnotation(
	ctx context.Context, jobID int64, at time.Time,
	query string, args ...any,
) (int64, error) {
	var id int64
	err := db.Update(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return touch(ctx, tx, Ref{KindJob, jobID}, at)
	})
	if err != nil {
		return 0, fmt.Errorf("adding annotation: %w", err)
	}
	return id, nil
}

// GetJobAnnotations loads the countable annotations of a job.
func (db *DB) GetJobAnnotations(
	ctx context.Context, jobID int64,
) (JobAnnotations, error) {
	var a JobAnnotations
	err := db.View(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM labeled_images
			 WHERE job_id = ? AND source != ?`,
			jobID, SourceFile,
		).Scan(&a.Tags); err != nil {
			return fmt.Errorf("counting tags: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM labeled_shapes
			 WHERE job_id = ? AND parent_id IS NULL
			 AND source != ?`,
			jobID, SourceFile,
		).Scan(&a.Shapes); err != nil {
			return fmt.Errorf("counting shapes: %w", err)
		}
		tracks, err := loadTracks(ctx, tx, jobID)
		if err != nil {
			return err
		}
		a.Tracks = tracks
		return nil
	})
	if err != nil {
		return JobAnnotations{}, fmt.Errorf(
			"loading annotations of job %d: %w", jobID, err,
		)
	}
	return a, nil
}

// loadTracks reads tracks and keyframes in one ordered pass,
// merging consecutive rows of the same track.
func loadTracks(
	ctx context.Context, q querier, jobID int64,
) ([]Track, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT t.id, t.source, s.frame, s.outside
		 FROM labeled_tracks t
		 JOIN tracked_shapes s ON s.track_id = t.id
		 WHERE t.job_id = ? AND t.parent_id IS NULL
		 AND t.source != ?
		 ORDER BY t.id, s.frame`,
		jobID, SourceFile,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		var id int64
		var source string
		var shape TrackedShape
		if err := rows.Scan(
			&id, &source, &shape.Frame, &shape.Outside,
		); err != nil {
			return nil, fmt.Errorf("scanning tracked shape: %w", err)
		}
		if n := len(tracks); n == 0 || tracks[n-1].ID != id {
			tracks = append(tracks, Track{ID: id, Source: source})
		}
		last := &tracks[len(tracks)-1]
		last.Shapes = append(last.Shapes, shape)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracks: %w", err)
	}
	return tracks, nil
}
