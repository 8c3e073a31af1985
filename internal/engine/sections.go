package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sstent/veloengine/internal/geo"
	"github.com/sstent/veloengine/internal/models"
	"github.com/sstent/veloengine/internal/sections"
)

// SectionQuery filters section listings. Superseded auto sections are left
// out unless IncludeSuperseded is set.
type SectionQuery struct {
	Sport             models.Sport
	Origin            models.Origin
	MinActivities     int
	IncludeSuperseded bool
}

func (q SectionQuery) filter() models.SectionFilter {
	return models.SectionFilter{Sport: q.Sport, Origin: q.Origin, MinActivities: q.MinActivities}
}

func (e *Engine) visible(origin models.Origin, id string, q SectionQuery) bool {
	return q.IncludeSuperseded || origin != models.OriginAuto || !e.resolver.IsSuperseded(id)
}

// Sections lists hydrated sections.
func (e *Engine) Sections(ctx context.Context, q SectionQuery) ([]models.Section, error) {
	secs, err := e.store.ListSections(ctx, q.filter())
	if err != nil {
		return nil, err
	}
	out := secs[:0]
	for _, s := range secs {
		if e.visible(s.Origin, s.ID, q) {
			out = append(out, s)
		}
	}
	return out, nil
}

// SectionSummaries lists sections without portions.
func (e *Engine) SectionSummaries(ctx context.Context, q SectionQuery) ([]models.SectionSummary, error) {
	sums, err := e.store.ListSectionSummaries(ctx, q.filter())
	if err != nil {
		return nil, err
	}
	out := sums[:0]
	for _, s := range sums {
		if e.visible(s.Origin, s.ID, q) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Section returns one hydrated section or database.ErrNotFound.
func (e *Engine) Section(ctx context.Context, id string) (*models.Section, error) {
	return e.store.GetSectionByID(ctx, id)
}

// SectionsForActivity lists the sections an activity traverses, superseded
// ones included.
func (e *Engine) SectionsForActivity(ctx context.Context, activityID string) ([]models.Section, error) {
	return e.store.SectionsForActivity(ctx, activityID)
}

// SectionPerformances derives traversal times for a section.
func (e *Engine) SectionPerformances(ctx context.Context, id string) (models.SectionPerformance, error) {
	sec, err := e.store.GetSectionByID(ctx, id)
	if err != nil {
		return models.SectionPerformance{}, err
	}
	acts, err := e.store.GetActivities(ctx, portionActivityIDs(sec.Portions))
	if err != nil {
		return models.SectionPerformance{}, err
	}
	byID := make(map[string]*models.Activity, len(acts))
	for i := range acts {
		byID[acts[i].ID] = &acts[i]
	}
	return sections.Performances(sec, byID), nil
}

func portionActivityIDs(portions []models.SectionPortion) []string {
	seen := make(map[string]struct{}, len(portions))
	var ids []string
	for _, p := range portions {
		if _, ok := seen[p.ActivityID]; ok {
			continue
		}
		seen[p.ActivityID] = struct{}{}
		ids = append(ids, p.ActivityID)
	}
	sort.Strings(ids)
	return ids
}

// CustomSectionInput describes a user-defined section. Either Points or a
// source activity with an index range must be given.
type CustomSectionInput struct {
	Name             string
	Sport            models.Sport
	Points           []geo.Point
	SourceActivityID string
	StartIndex       int
	EndIndex         int
}

// CreateCustomSection stores a custom section and matches it against all
// activities of its sport. It returns the new id.
func (e *Engine) CreateCustomSection(ctx context.Context, in CustomSectionInput) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	points := in.Points
	sport := in.Sport
	if in.SourceActivityID != "" {
		src, err := e.store.GetActivity(ctx, in.SourceActivityID)
		if err != nil {
			return "", err
		}
		if in.StartIndex < 0 || in.StartIndex >= in.EndIndex || in.EndIndex >= len(src.Track) {
			return "", invalid("range [%d,%d] outside activity %s with %d points",
				in.StartIndex, in.EndIndex, src.ID, len(src.Track))
		}
		points = append([]geo.Point(nil), src.Track[in.StartIndex:in.EndIndex+1]...)
		if sport == "" {
			sport = src.Sport
		}
	}
	if len(points) < 2 {
		return "", invalid("custom section needs at least 2 points")
	}
	for i, p := range points {
		if !p.Valid() {
			return "", invalid("invalid coordinate at index %d", i)
		}
	}
	sport = models.NormalizeSport(string(sport))

	acts, err := e.store.ListActivities(ctx, models.ActivityFilter{Sport: sport})
	if err != nil {
		return "", err
	}
	sec := models.Section{
		ID:                       "custom_" + uuid.NewString(),
		Origin:                   models.OriginCustom,
		Sport:                    sport,
		DistanceMeters:           geo.PolylineLength(points),
		Name:                     strings.TrimSpace(in.Name),
		ReferenceTrack:           points,
		RepresentativeActivityID: in.SourceActivityID,
		CreatedAt:                time.Now(),
		Portions:                 sections.MatchActivities(points, acts, sections.CustomMatchOptions),
	}
	dropped, err := e.store.SaveSections(ctx, []models.Section{sec})
	if err != nil {
		return "", fmt.Errorf("failed to save custom section: %w", err)
	}
	if len(dropped) > 0 {
		e.logger.Warn("activities changed while matching, left unmatched", "section_id", sec.ID, "activity_ids", dropped)
	}
	e.logger.Info("custom section created", "section_id", sec.ID, "sport", sport, "matched", len(sec.Portions))
	e.updateSectionGauge(ctx)
	return sec.ID, nil
}

// RemoveCustomSection deletes a custom section and its supersession entry.
func (e *Engine) RemoveCustomSection(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	sec, err := e.store.GetSectionByID(ctx, id)
	if err != nil {
		return err
	}
	if sec.Origin != models.OriginCustom {
		return invalid("section %s is not a custom section", id)
	}
	if err := e.store.DeleteSection(ctx, id); err != nil {
		return err
	}
	if err := e.resolver.RemoveSuperseded(id); err != nil {
		return err
	}
	e.updateSectionGauge(ctx)
	return nil
}

// RenameSection sets the display name of any section. An empty name clears
// it.
func (e *Engine) RenameSection(ctx context.Context, id, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.store.RenameSection(ctx, id, strings.TrimSpace(name))
}

// SetSuperseded replaces the auto sections customID supersedes.
func (e *Engine) SetSuperseded(ctx context.Context, customID string, autoIDs []string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	sec, err := e.store.GetSectionByID(ctx, customID)
	if err != nil {
		return err
	}
	if sec.Origin != models.OriginCustom {
		return invalid("section %s is not a custom section", customID)
	}
	return e.resolver.SetSuperseded(customID, autoIDs)
}

func (e *Engine) IsSuperseded(autoID string) bool {
	return e.resolver.IsSuperseded(autoID)
}

func (e *Engine) AllSuperseded() []string {
	return e.resolver.GetAllSuperseded()
}

// RouteGroups clusters whole activities that follow the same route.
// minActivities overrides the configured group size when positive.
func (e *Engine) RouteGroups(ctx context.Context, sport models.Sport, minActivities int) ([]models.RouteGroup, error) {
	acts, err := e.store.ListActivities(ctx, models.ActivityFilter{Sport: sport})
	if err != nil {
		return nil, err
	}
	opts := e.routes
	if minActivities > 0 {
		opts.MinActivities = minActivities
	}
	return sections.GroupRoutes(acts, opts), nil
}

// SectionActivity names one (section, activity) pair.
type SectionActivity struct {
	SectionID  string
	ActivityID string
}

// Trace is the part of an activity that traverses a section.
type Trace struct {
	Portion models.SectionPortion
	Points  []geo.Point
}

// ExtractTraces returns the matched sub-tracks for every pair, loading all
// sections and activities involved with one query each. Pairs without a
// portion are omitted; an activity traversing a section twice yields two
// traces.
func (e *Engine) ExtractTraces(ctx context.Context, pairs []SectionActivity) ([]Trace, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	var sectionIDs, activityIDs []string
	seenSec := make(map[string]bool)
	seenAct := make(map[string]bool)
	for _, p := range pairs {
		if !seenSec[p.SectionID] {
			seenSec[p.SectionID] = true
			sectionIDs = append(sectionIDs, p.SectionID)
		}
		if !seenAct[p.ActivityID] {
			seenAct[p.ActivityID] = true
			activityIDs = append(activityIDs, p.ActivityID)
		}
	}

	secs, err := e.store.ListSections(ctx, models.SectionFilter{IDs: sectionIDs})
	if err != nil {
		return nil, err
	}
	acts, err := e.store.GetActivities(ctx, activityIDs)
	if err != nil {
		return nil, err
	}
	portions := make(map[SectionActivity][]models.SectionPortion)
	for _, s := range secs {
		for _, p := range s.Portions {
			k := SectionActivity{SectionID: s.ID, ActivityID: p.ActivityID}
			portions[k] = append(portions[k], p)
		}
	}
	byID := make(map[string]*models.Activity, len(acts))
	for i := range acts {
		byID[acts[i].ID] = &acts[i]
	}

	var out []Trace
	for _, pair := range pairs {
		for _, p := range portions[pair] {
			points, ok := sections.ExtractTrace(byID[pair.ActivityID], p)
			if !ok {
				continue
			}
			out = append(out, Trace{Portion: p, Points: points})
		}
		// a repeated pair yields its traces once
		delete(portions, pair)
	}
	return out, nil
}
