package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sstent/veloengine/internal/models"
)

// beforePortionWrite runs inside section-saving transactions after the
// section rows are written and before any portion row is. Tests swap it to
// force the rollback path.
var beforePortionWrite = func() error { return nil }

// SaveSections upserts sections and replaces each one's portions. Section
// rows and portion rows commit together or not at all. Portions pinned to
// an activity revision that no longer exists are skipped; the affected
// activity ids are returned.
func (s *SQLiteDB) SaveSections(ctx context.Context, sections []models.Section) ([]string, error) {
	if len(sections) == 0 {
		return nil, nil
	}
	var dropped []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		dropped, err = writeSections(ctx, tx, sections)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			return deleteEmptyAutoSections(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

// ReplaceAutoSections swaps the whole set of auto sections for sections in
// one transaction. Names of sections whose id survives are kept when the
// new row carries none. Custom sections are untouched. Stale portions are
// skipped as in SaveSections, and auto sections they leave empty are
// removed.
func (s *SQLiteDB) ReplaceAutoSections(ctx context.Context, sections []models.Section) ([]string, error) {
	for _, sec := range sections {
		if sec.Origin != models.OriginAuto {
			return nil, fmt.Errorf("section %s is not an auto section", sec.ID)
		}
	}
	var dropped []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		keepSet := make(map[string]struct{}, len(sections))
		for _, sec := range sections {
			keepSet[sec.ID] = struct{}{}
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM sections WHERE origin = 'auto'`)
		if err != nil {
			return fmt.Errorf("failed to list auto sections: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			if _, ok := keepSet[id]; !ok {
				stale = append(stale, id)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if err := deleteSections(ctx, tx, stale); err != nil {
			return err
		}
		dropped, err = writeSections(ctx, tx, sections)
		if err != nil {
			return err
		}
		if len(dropped) > 0 {
			return deleteEmptyAutoSections(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

func writeSections(ctx context.Context, tx *sql.Tx, sections []models.Section) ([]string, error) {
	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO sections (
			id, origin, sport, distance, name, reference,
			representative_activity_id, scale, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			sport = excluded.sport,
			distance = excluded.distance,
			name = COALESCE(excluded.name, sections.name),
			reference = excluded.reference,
			representative_activity_id = excluded.representative_activity_id,
			scale = excluded.scale`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare section upsert: %w", err)
	}
	defer upsert.Close()

	for _, sec := range sections {
		if sec.ID == "" {
			return nil, errors.New("section id must not be empty")
		}
		if sec.Origin != models.OriginAuto && sec.Origin != models.OriginCustom {
			return nil, fmt.Errorf("section %s has unknown origin %q", sec.ID, sec.Origin)
		}
		ref, err := encodePoints(sec.ReferenceTrack)
		if err != nil {
			return nil, err
		}
		created := sec.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := upsert.ExecContext(ctx,
			sec.ID, string(sec.Origin), string(sec.Sport), sec.DistanceMeters,
			nullString(sec.Name), ref, nullString(sec.RepresentativeActivityID),
			nullString(sec.Scale), created.Unix(),
		); err != nil {
			return nil, fmt.Errorf("failed to write section %s: %w", sec.ID, err)
		}
	}

	if err := beforePortionWrite(); err != nil {
		return nil, err
	}

	w, err := newPortionWriter(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer w.close()
	for _, sec := range sections {
		if err := w.write(ctx, sec.ID, sec.Portions); err != nil {
			return nil, err
		}
	}
	return w.droppedIDs(), nil
}

// storedTrack is what portion checks need to know about an activity row.
type storedTrack struct {
	points   int
	revision int64
	missing  bool
}

// portionWriter replaces section portions inside one transaction, checking
// every index range against the stored track. A portion pinned to an
// activity revision that was removed or replaced since it was computed is
// skipped and its activity recorded; an unpinned portion of an unknown
// activity is an error.
type portionWriter struct {
	tx      *sql.Tx
	lookup  *sql.Stmt
	insert  *sql.Stmt
	tracks  map[string]storedTrack
	dropped map[string]struct{}
}

func newPortionWriter(ctx context.Context, tx *sql.Tx) (*portionWriter, error) {
	lookup, err := tx.PrepareContext(ctx, `SELECT point_count, revision FROM activities WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare track lookup: %w", err)
	}
	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO section_portions (section_id, activity_id, direction, start_index, end_index, distance)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		lookup.Close()
		return nil, fmt.Errorf("failed to prepare portion insert: %w", err)
	}
	return &portionWriter{
		tx:      tx,
		lookup:  lookup,
		insert:  insert,
		tracks:  make(map[string]storedTrack),
		dropped: make(map[string]struct{}),
	}, nil
}

func (w *portionWriter) close() {
	w.lookup.Close()
	w.insert.Close()
}

func (w *portionWriter) track(ctx context.Context, activityID string) (storedTrack, error) {
	if t, ok := w.tracks[activityID]; ok {
		return t, nil
	}
	var t storedTrack
	err := w.lookup.QueryRowContext(ctx, activityID).Scan(&t.points, &t.revision)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		t.missing = true
	case err != nil:
		return storedTrack{}, fmt.Errorf("failed to look up activity %s: %w", activityID, err)
	}
	w.tracks[activityID] = t
	return t, nil
}

func (w *portionWriter) write(ctx context.Context, sectionID string, portions []models.SectionPortion) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM section_portions WHERE section_id = ?`, sectionID); err != nil {
		return fmt.Errorf("failed to clear portions of %s: %w", sectionID, err)
	}
	for _, p := range portions {
		t, err := w.track(ctx, p.ActivityID)
		if err != nil {
			return err
		}
		if p.ActivityRevision != 0 && (t.missing || t.revision != p.ActivityRevision) {
			w.dropped[p.ActivityID] = struct{}{}
			continue
		}
		if t.missing {
			return fmt.Errorf("portion of %s references unknown activity %s", sectionID, p.ActivityID)
		}
		p.SectionID = sectionID
		if err := p.Validate(t.points); err != nil {
			return err
		}
		dir := models.ParseDirection(string(p.Direction))
		if _, err := w.insert.ExecContext(ctx, sectionID, p.ActivityID, string(dir),
			p.StartIndex, p.EndIndex, p.DistanceMeters); err != nil {
			return fmt.Errorf("failed to write portion %s/%s: %w", sectionID, p.ActivityID, err)
		}
	}
	return nil
}

func (w *portionWriter) droppedIDs() []string {
	if len(w.dropped) == 0 {
		return nil
	}
	ids := make([]string, 0, len(w.dropped))
	for id := range w.dropped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReplacePortions swaps the portions of a single existing section. Stale
// portions are skipped as in SaveSections.
func (s *SQLiteDB) ReplacePortions(ctx context.Context, sectionID string, portions []models.SectionPortion) ([]string, error) {
	var dropped []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sections WHERE id = ?`, sectionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up section: %w", err)
		}
		if err := beforePortionWrite(); err != nil {
			return err
		}
		w, err := newPortionWriter(ctx, tx)
		if err != nil {
			return err
		}
		defer w.close()
		if err := w.write(ctx, sectionID, portions); err != nil {
			return err
		}
		dropped = w.droppedIDs()
		if len(dropped) > 0 {
			return deleteEmptyAutoSections(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dropped, nil
}

func deleteSections(ctx context.Context, tx *sql.Tx, ids []string) error {
	for _, part := range chunk(ids, maxInList) {
		in := `(` + placeholders(len(part)) + `)`
		args := stringArgs(part)
		if _, err := tx.ExecContext(ctx, `DELETE FROM section_portions WHERE section_id IN `+in, args...); err != nil {
			return fmt.Errorf("failed to delete portions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id IN `+in, args...); err != nil {
			return fmt.Errorf("failed to delete sections: %w", err)
		}
	}
	return nil
}

// DeleteSection removes a section and its portions.
func (s *SQLiteDB) DeleteSection(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM sections WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up section: %w", err)
		}
		return deleteSections(ctx, tx, []string{id})
	})
}

func (s *SQLiteDB) RenameSection(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sections SET name = ? WHERE id = ?`, nullString(name), id)
	if err != nil {
		return fmt.Errorf("failed to rename section: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const sectionColumns = `s.id, s.origin, s.sport, s.distance, s.name, s.reference,
	s.representative_activity_id, s.scale, s.created_at`

func scanSection(scan func(dest ...interface{}) error) (models.Section, error) {
	var (
		sec              models.Section
		origin, sport    string
		name, rep, scale sql.NullString
		ref              []byte
		created          int64
	)
	if err := scan(&sec.ID, &origin, &sport, &sec.DistanceMeters, &name, &ref, &rep, &scale, &created); err != nil {
		return models.Section{}, err
	}
	points, err := decodePoints(ref)
	if err != nil {
		return models.Section{}, fmt.Errorf("section %s: %w", sec.ID, err)
	}
	sec.Origin = models.Origin(origin)
	sec.Sport = models.Sport(sport)
	sec.Name = name.String
	sec.ReferenceTrack = points
	sec.RepresentativeActivityID = rep.String
	sec.Scale = scale.String
	sec.CreatedAt = time.Unix(created, 0).UTC()
	return sec, nil
}

// sectionLess matches the ORDER BY of the section listings.
func sectionLess(sportA models.Sport, distA float64, idA string, sportB models.Sport, distB float64, idB string) bool {
	if sportA != sportB {
		return sportA < sportB
	}
	if distA != distB {
		return distA > distB
	}
	return idA < idB
}

// sectionWhere builds the WHERE clause shared by section listings. Callers
// keep filter.IDs within maxInList. The
// activity-count filter is applied with a correlated subquery so that the
// same clause can select portions.
func sectionWhere(filter models.SectionFilter) (string, []interface{}) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Sport != "" {
		conditions = append(conditions, "s.sport = ?")
		args = append(args, string(filter.Sport))
	}
	if filter.Origin != "" {
		conditions = append(conditions, "s.origin = ?")
		args = append(args, string(filter.Origin))
	}
	if len(filter.IDs) > 0 {
		conditions = append(conditions, "s.id IN ("+placeholders(len(filter.IDs))+")")
		args = append(args, stringArgs(filter.IDs)...)
	}
	if filter.MinActivities > 0 {
		conditions = append(conditions,
			"(SELECT COUNT(DISTINCT activity_id) FROM section_portions WHERE section_id = s.id) >= ?")
		args = append(args, filter.MinActivities)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// GetSectionByID returns the section with all portions hydrated.
func (s *SQLiteDB) GetSectionByID(ctx context.Context, id string) (*models.Section, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sectionColumns+` FROM sections s WHERE s.id = ?`, id)
	sec, err := scanSection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section: %w", err)
	}
	portions, err := s.GetPortions(ctx, id, "")
	if err != nil {
		return nil, err
	}
	sec.Portions = portions
	return &sec, nil
}

// ListSections returns hydrated sections matching filter. Portions for all
// sections are fetched with one query per chunk of filter.IDs.
func (s *SQLiteDB) ListSections(ctx context.Context, filter models.SectionFilter) ([]models.Section, error) {
	if len(filter.IDs) > maxInList {
		var out []models.Section
		for _, part := range chunk(uniqueIDs(filter.IDs), maxInList) {
			f := filter
			f.IDs = part
			secs, err := s.ListSections(ctx, f)
			if err != nil {
				return nil, err
			}
			out = append(out, secs...)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return sectionLess(out[i].Sport, out[i].DistanceMeters, out[i].ID, out[j].Sport, out[j].DistanceMeters, out[j].ID)
		})
		return out, nil
	}

	where, args := sectionWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sectionColumns+` FROM sections s`+where+` ORDER BY s.sport, s.distance DESC, s.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	var sections []models.Section
	index := make(map[string]int)
	for rows.Next() {
		sec, err := scanSection(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[sec.ID] = len(sections)
		sections = append(sections, sec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(sections) == 0 {
		return nil, nil
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT p.section_id, p.activity_id, p.direction, p.start_index, p.end_index, p.distance
		FROM section_portions p
		WHERE p.section_id IN (SELECT s.id FROM sections s`+where+`)
		ORDER BY p.section_id, p.activity_id, p.start_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list portions: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		p, err := scanPortion(prows.Scan)
		if err != nil {
			return nil, err
		}
		if i, ok := index[p.SectionID]; ok {
			sections[i].Portions = append(sections[i].Portions, p)
		}
	}
	return sections, prows.Err()
}

// ListSectionSummaries returns sections without portions, with the count of
// distinct activities.
func (s *SQLiteDB) ListSectionSummaries(ctx context.Context, filter models.SectionFilter) ([]models.SectionSummary, error) {
	if len(filter.IDs) > maxInList {
		var out []models.SectionSummary
		for _, part := range chunk(uniqueIDs(filter.IDs), maxInList) {
			f := filter
			f.IDs = part
			sums, err := s.ListSectionSummaries(ctx, f)
			if err != nil {
				return nil, err
			}
			out = append(out, sums...)
		}
		sort.SliceStable(out, func(i, j int) bool {
			return sectionLess(out[i].Sport, out[i].DistanceMeters, out[i].ID, out[j].Sport, out[j].DistanceMeters, out[j].ID)
		})
		return out, nil
	}

	where, args := sectionWhere(filter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.origin, s.sport, s.distance, s.name, s.reference,
			(SELECT COUNT(DISTINCT activity_id) FROM section_portions WHERE section_id = s.id)
		FROM sections s`+where+` ORDER BY s.sport, s.distance DESC, s.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list section summaries: %w", err)
	}
	defer rows.Close()

	var out []models.SectionSummary
	for rows.Next() {
		var (
			sum           models.SectionSummary
			origin, sport string
			name          sql.NullString
			ref           []byte
		)
		if err := rows.Scan(&sum.ID, &origin, &sport, &sum.DistanceMeters, &name, &ref, &sum.ActivityCount); err != nil {
			return nil, err
		}
		points, err := decodePoints(ref)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", sum.ID, err)
		}
		sum.Origin = models.Origin(origin)
		sum.Sport = models.Sport(sport)
		sum.Name = name.String
		sum.ReferenceTrack = points
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SectionsForActivity returns hydrated sections the activity has a portion
// in.
func (s *SQLiteDB) SectionsForActivity(ctx context.Context, activityID string) ([]models.Section, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT section_id FROM section_portions WHERE activity_id = ?`, activityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sections for activity: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	return s.ListSections(ctx, models.SectionFilter{IDs: ids})
}

func scanPortion(scan func(dest ...interface{}) error) (models.SectionPortion, error) {
	var (
		p   models.SectionPortion
		dir string
	)
	if err := scan(&p.SectionID, &p.ActivityID, &dir, &p.StartIndex, &p.EndIndex, &p.DistanceMeters); err != nil {
		return models.SectionPortion{}, err
	}
	p.Direction = models.ParseDirection(dir)
	return p, nil
}

// GetPortions returns the portions of a section, optionally limited to one
// activity.
func (s *SQLiteDB) GetPortions(ctx context.Context, sectionID, activityID string) ([]models.SectionPortion, error) {
	query := `SELECT section_id, activity_id, direction, start_index, end_index, distance
		FROM section_portions WHERE section_id = ?`
	args := []interface{}{sectionID}
	if activityID != "" {
		query += ` AND activity_id = ?`
		args = append(args, activityID)
	}
	query += ` ORDER BY activity_id, start_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query portions: %w", err)
	}
	defer rows.Close()

	var out []models.SectionPortion
	for rows.Next() {
		p, err := scanPortion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
