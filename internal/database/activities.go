package database

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
)

// AddActivities upserts activities; the last write wins per id. When a
// re-ingested track differs from the stored one, that activity's portions
// are dropped (their indices no longer apply) and auto sections left
// without portions are removed in the same transaction.
func (s *SQLiteDB) AddActivities(ctx context.Context, activities []models.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := tx.PrepareContext(ctx, `SELECT track FROM activities WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare lookup: %w", err)
		}
		defer existing.Close()

		upsert, err := tx.PrepareContext(ctx, `
			INSERT INTO activities (
				id, start_time, sport, duration, distance, point_count, track,
				min_lat, min_lng, max_lat, max_lng, updated_at, revision
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				start_time = excluded.start_time,
				sport = excluded.sport,
				duration = excluded.duration,
				distance = excluded.distance,
				point_count = excluded.point_count,
				track = excluded.track,
				min_lat = excluded.min_lat,
				min_lng = excluded.min_lng,
				max_lat = excluded.max_lat,
				max_lng = excluded.max_lng,
				updated_at = excluded.updated_at,
				revision = CASE WHEN activities.track = excluded.track
					THEN activities.revision ELSE activities.revision + 1 END`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer upsert.Close()

		var changed []string
		now := time.Now().Unix()
		for _, a := range activities {
			if a.ID == "" {
				return errors.New("activity id must not be empty")
			}
			blob, err := encodeTrack(a.Track, a.TimeOffsets)
			if err != nil {
				return err
			}

			var prev []byte
			switch err := existing.QueryRowContext(ctx, a.ID).Scan(&prev); {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("failed to look up activity %s: %w", a.ID, err)
			default:
				if !bytes.Equal(prev, blob) {
					changed = append(changed, a.ID)
				}
			}

			b := geo.BoundsOf(a.Track)
			if _, err := upsert.ExecContext(ctx,
				a.ID, a.StartTime.Unix(), string(a.Sport), a.DurationSeconds, a.DistanceMeters,
				len(a.Track), blob, b.MinLat, b.MinLng, b.MaxLat, b.MaxLng, now,
			); err != nil {
				return fmt.Errorf("failed to upsert activity %s: %w", a.ID, err)
			}
		}

		for _, ids := range chunk(changed, maxInList) {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM section_portions WHERE activity_id IN (`+placeholders(len(ids))+`)`,
				stringArgs(ids)...); err != nil {
				return fmt.Errorf("failed to drop stale portions: %w", err)
			}
		}
		if len(changed) > 0 {
			return deleteEmptyAutoSections(ctx, tx)
		}
		return nil
	})
}

func deleteEmptyAutoSections(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM sections
		WHERE origin = 'auto'
		AND NOT EXISTS (SELECT 1 FROM section_portions p WHERE p.section_id = sections.id)`)
	if err != nil {
		return fmt.Errorf("failed to delete empty sections: %w", err)
	}
	return nil
}

// RemoveActivities deletes activities with their metrics and portions. It
// returns the number of activities removed.
func (s *SQLiteDB) RemoveActivities(ctx context.Context, ids []string) (int, error) {
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, part := range chunk(ids, maxInList) {
			in := `(` + placeholders(len(part)) + `)`
			args := stringArgs(part)
			if _, err := tx.ExecContext(ctx, `DELETE FROM section_portions WHERE activity_id IN `+in, args...); err != nil {
				return fmt.Errorf("failed to delete portions: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM activity_metrics WHERE activity_id IN `+in, args...); err != nil {
				return fmt.Errorf("failed to delete metrics: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM activities WHERE id IN `+in, args...)
			if err != nil {
				return fmt.Errorf("failed to delete activities: %w", err)
			}
			n, _ := res.RowsAffected()
			removed += int(n)
		}
		return deleteEmptyAutoSections(ctx, tx)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

const activityColumns = `id, start_time, sport, duration, distance, track, revision`

func scanActivity(scan func(dest ...interface{}) error) (models.Activity, error) {
	var (
		a     models.Activity
		start int64
		sport string
		blob  []byte
	)
	if err := scan(&a.ID, &start, &sport, &a.DurationSeconds, &a.DistanceMeters, &blob, &a.Revision); err != nil {
		return models.Activity{}, err
	}
	points, offsets, err := decodeTrack(blob)
	if err != nil {
		return models.Activity{}, fmt.Errorf("activity %s: %w", a.ID, err)
	}
	a.StartTime = time.Unix(start, 0).UTC()
	a.Sport = models.Sport(sport)
	a.Track = points
	a.TimeOffsets = offsets
	return a, nil
}

func (s *SQLiteDB) GetActivity(ctx context.Context, id string) (*models.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return &a, nil
}

// GetActivities returns the activities with the given ids in request order.
// Unknown ids are skipped.
func (s *SQLiteDB) GetActivities(ctx context.Context, ids []string) ([]models.Activity, error) {
	byID := make(map[string]models.Activity, len(ids))
	for _, part := range chunk(ids, maxInList) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE id IN (`+placeholders(len(part))+`)`,
			stringArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query activities: %w", err)
		}
		for rows.Next() {
			a, err := scanActivity(rows.Scan)
			if err != nil {
				rows.Close()
				return nil, err
			}
			byID[a.ID] = a
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	out := make([]models.Activity, 0, len(byID))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			out = append(out, a)
			delete(byID, id)
		}
	}
	return out, nil
}

// ListActivities returns activities newest first, filtered by sport and a
// start time range. The range scan uses idx_activities_start_time.
func (s *SQLiteDB) ListActivities(ctx context.Context, filter models.ActivityFilter) ([]models.Activity, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Sport != "" {
		conditions = append(conditions, "sport = ?")
		args = append(args, string(filter.Sport))
	}
	if filter.DateFrom != nil {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, filter.DateFrom.Unix())
	}
	if filter.DateTo != nil {
		conditions = append(conditions, "start_time <= ?")
		args = append(args, filter.DateTo.Unix())
	}

	query := `SELECT ` + activityColumns + ` FROM activities`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_time DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		a, err := scanActivity(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ActivityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM activities ORDER BY start_time, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteDB) CountActivities(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count activities: %w", err)
	}
	return n, nil
}

// Sports returns the distinct sports present in the store.
func (s *SQLiteDB) Sports(ctx context.Context) ([]models.Sport, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT sport FROM activities ORDER BY sport`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sports: %w", err)
	}
	defer rows.Close()

	var out []models.Sport
	for rows.Next() {
		var sport string
		if err := rows.Scan(&sport); err != nil {
			return nil, err
		}
		out = append(out, models.Sport(sport))
	}
	return out, rows.Err()
}

// SetActivityMetrics upserts provider metrics. Metrics may arrive before
// the activity itself is ingested.
func (s *SQLiteDB) SetActivityMetrics(ctx context.Context, metrics []models.ActivityMetrics) error {
	if len(metrics) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_metrics (activity_id, name, avg_heart_rate, avg_power, skyline)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(activity_id) DO UPDATE SET
				name = excluded.name,
				avg_heart_rate = excluded.avg_heart_rate,
				avg_power = excluded.avg_power,
				skyline = excluded.skyline`)
		if err != nil {
			return fmt.Errorf("failed to prepare metrics upsert: %w", err)
		}
		defer stmt.Close()

		for _, m := range metrics {
			var name sql.NullString
			if m.Name != nil {
				name = sql.NullString{String: *m.Name, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, m.ActivityID, name,
				nullFloat(m.AvgHeartRate), nullFloat(m.AvgPower), m.Skyline); err != nil {
				return fmt.Errorf("failed to upsert metrics for %s: %w", m.ActivityID, err)
			}
		}
		return nil
	})
}

// GetActivityMetrics returns metrics keyed by activity id; ids without
// metrics are absent from the map.
func (s *SQLiteDB) GetActivityMetrics(ctx context.Context, ids []string) (map[string]models.ActivityMetrics, error) {
	out := make(map[string]models.ActivityMetrics, len(ids))
	for _, part := range chunk(ids, maxInList) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT activity_id, name, avg_heart_rate, avg_power, skyline
			FROM activity_metrics WHERE activity_id IN (`+placeholders(len(part))+`)`,
			stringArgs(part)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query metrics: %w", err)
		}
		for rows.Next() {
			var (
				m      models.ActivityMetrics
				name   sql.NullString
				hr, pw sql.NullFloat64
			)
			if err := rows.Scan(&m.ActivityID, &name, &hr, &pw, &m.Skyline); err != nil {
				rows.Close()
				return nil, err
			}
			if name.Valid {
				n := name.String
				m.Name = &n
			}
			m.AvgHeartRate = floatPtr(hr)
			m.AvgPower = floatPtr(pw)
			out[m.ActivityID] = m
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
