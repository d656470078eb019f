package organizer

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"filesense/internal/model"
)

// Organization styles.
const (
	StyleLifeAreas     = "life_areas"
	StyleTimeline      = "timeline"
	StyleRelationships = "relationships"
)

// Folder depth preferences.
const (
	DepthFlat     = "flat"
	DepthModerate = "moderate"
	DepthDetailed = "detailed"
)

var styleAliases = map[string]string{
	StyleLifeAreas:     StyleLifeAreas,
	"simple":           StyleLifeAreas,
	StyleTimeline:      StyleTimeline,
	StyleRelationships: StyleRelationships,
	"smart_groups":     StyleRelationships,
}

var planNames = map[string]string{
	StyleLifeAreas:     "Life Areas",
	StyleTimeline:      "Timeline Archive",
	StyleRelationships: "Relationship Groups",
}

// NormalizeStyle resolves a style name or alias.
func NormalizeStyle(style string) (string, error) {
	if style == "" {
		return StyleLifeAreas, nil
	}
	if s, ok := styleAliases[strings.ToLower(style)]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown organization style %q", style)
}

// NormalizeDepth validates a depth preference.
func NormalizeDepth(depth string) (string, error) {
	switch strings.ToLower(depth) {
	case "":
		return DepthModerate, nil
	case DepthFlat, DepthModerate, DepthDetailed:
		return strings.ToLower(depth), nil
	}
	return "", fmt.Errorf("unknown folder depth %q", depth)
}

// Clarification overrides the category of files matching Pattern.
type Clarification struct {
	Pattern     string
	Category    string
	Subcategory string
}

// ParseClarification parses "GLOB=Category[/Subcategory]".
func ParseClarification(raw string) (Clarification, error) {
	pattern, target, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(pattern) == "" || strings.TrimSpace(target) == "" {
		return Clarification{}, fmt.Errorf("clarification %q must look like GLOB=Category[/Subcategory]", raw)
	}
	category, sub, _ := strings.Cut(strings.TrimSpace(target), "/")
	canonical, known := LookupCategory(category)
	if !known {
		return Clarification{}, fmt.Errorf("clarification %q: unknown category %q", raw, category)
	}
	return Clarification{Pattern: strings.TrimSpace(pattern), Category: canonical, Subcategory: strings.TrimSpace(sub)}, nil
}

// PlanRequest configures plan generation.
type PlanRequest struct {
	Style          string
	Depth          string
	Threshold      *float64 // nil selects DefaultReviewThreshold
	Exclusions     []string
	ExcludeIDs     []int64
	Clarifications []Clarification
	IncludePending bool // route never-classified files to review instead of failing
}

// PlanInput is one file offered to BuildPlan.
type PlanInput struct {
	File           *model.FileRecord
	Classification *model.Classification // nil when unclassified or pending
}

// PlanOptions is the resolved configuration of BuildPlan.
type PlanOptions struct {
	Style          string
	Depth          string
	Threshold      float64
	BaseDir        string
	Exclusions     *GlobSet
	ExcludeIDs     map[int64]bool
	Clarifications []Clarification
	// Occupied reports whether a destination already exists on disk.
	// Nil means nothing is occupied.
	Occupied func(path string) bool
}

// BuildPlan deterministically maps inputs to plan items and a summary.
// Items are ordered by source path. When destinations collide (compared
// case-insensitively), the file with the smallest source path keeps its
// name and later ones get "<stem>_<n><ext>" with the smallest free n.
func BuildPlan(inputs []PlanInput, opts PlanOptions) ([]model.PlanItem, model.PlanSummary, error) {
	var summary model.PlanSummary

	clarify := make([]*GlobSet, len(opts.Clarifications))
	for i, c := range opts.Clarifications {
		gs, err := NewGlobSet([]string{c.Pattern})
		if err != nil {
			return nil, summary, err
		}
		clarify[i] = gs
	}

	sorted := slices.Clone(inputs)
	slices.SortFunc(sorted, func(a, b PlanInput) int { return strings.Compare(a.File.Path, b.File.Path) })

	fingerprints := make(map[string]bool)
	claimed := make(map[string]bool)
	folders := make(map[string]bool)
	var items []model.PlanItem

	for _, in := range sorted {
		f := in.File
		if opts.ExcludeIDs[f.ID] || opts.Exclusions.Match(f.Path) || within(f.Path, opts.BaseDir) {
			summary.ExcludedCount++
			continue
		}

		if f.Fingerprint != "" {
			if fingerprints[f.Fingerprint] {
				summary.DuplicatesFound++
			}
			fingerprints[f.Fingerprint] = true
		}

		item := model.PlanItem{FileID: f.ID, SourcePath: f.Path}
		folder := routeFile(in, opts, clarify, &item)
		if item.RequiresReview {
			summary.ReviewCount++
			summary.LowConfidence++
		} else {
			summary.HighConfidence++
		}
		if f.Status == model.FileStatusUnclassified {
			summary.UnclassifiedCount++
		}

		dir := filepath.Join(opts.BaseDir, folder)
		item.DestinationPath = claimName(dir, f.Filename, f.Path, claimed, opts.Occupied)
		addFolders(folders, opts.BaseDir, dir)

		item.Position = len(items)
		items = append(items, item)
	}

	summary.TotalFiles = len(items)
	for dir := range folders {
		summary.FoldersToCreate = append(summary.FoldersToCreate, dir)
	}
	slices.Sort(summary.FoldersToCreate)
	return items, summary, nil
}

// routeFile fills category, confidence, reason and review flag and returns
// the destination folder relative to the base directory.
func routeFile(in PlanInput, opts PlanOptions, clarify []*GlobSet, item *model.PlanItem) string {
	f, c := in.File, in.Classification

	for i, gs := range clarify {
		if gs.Match(f.Path) {
			cl := opts.Clarifications[i]
			item.Category = cl.Category
			item.Confidence = 1.0
			item.Reason = "clarified by user"
			if cl.Category == CategoryReview {
				return ReviewFolder
			}
			return styleFolder(opts, f, &model.Classification{Category: cl.Category, Subcategory: cl.Subcategory, Confidence: 1.0})
		}
	}

	switch {
	case f.Status == model.FileStatusUnclassified:
		item.Category = CategoryReview
		item.Confidence = 0
		item.Reason = "classification failed; needs manual review"
		item.RequiresReview = true
		return ReviewFolder
	case c == nil:
		item.Category = CategoryReview
		item.Confidence = 0
		item.Reason = "not classified yet; needs manual review"
		item.RequiresReview = true
		return ReviewFolder
	}

	item.Category = c.Category
	item.Confidence = c.Confidence
	if c.Confidence < opts.Threshold {
		item.Reason = fmt.Sprintf("low confidence %.2f for %s (threshold %.2f)", c.Confidence, c.Category, opts.Threshold)
		item.RequiresReview = true
		return ReviewFolder
	}
	if c.Category == CategoryReview {
		item.Reason = "classifier could not place this file"
		return ReviewFolder
	}
	if c.Subcategory != "" {
		item.Reason = fmt.Sprintf("classified as %s/%s", c.Category, c.Subcategory)
	} else {
		item.Reason = fmt.Sprintf("classified as %s", c.Category)
	}
	return styleFolder(opts, f, c)
}

// styleFolder computes the style-dependent folder of a confidently classified file.
func styleFolder(opts PlanOptions, f *model.FileRecord, c *model.Classification) string {
	category := FolderName(NormalizeCategory(c.Category))
	sub := sanitizeSegment(c.Subcategory)

	switch opts.Style {
	case StyleTimeline:
		year := "Undated"
		quarter := ""
		if !f.ModifiedAt.IsZero() {
			year = strconv.Itoa(f.ModifiedAt.Year())
			quarter = fmt.Sprintf("Q%d", (int(f.ModifiedAt.Month())-1)/3+1)
		}
		switch opts.Depth {
		case DepthFlat:
			return year
		case DepthDetailed:
			if quarter != "" {
				return filepath.Join(year, quarter, category)
			}
		}
		return filepath.Join(year, category)

	case StyleRelationships:
		entity := sanitizeSegment(c.Entity)
		if entity != "" && opts.Depth != DepthFlat && c.Confidence >= opts.Threshold {
			if opts.Depth == DepthDetailed && sub != "" {
				return filepath.Join(category, entity, sub)
			}
			return filepath.Join(category, entity)
		}
	}

	if opts.Depth == DepthFlat || sub == "" {
		return category
	}
	return filepath.Join(category, sub)
}

// claimName returns a unique destination in dir for filename.
func claimName(dir, filename, source string, claimed map[string]bool, occupied func(string) bool) string {
	taken := func(p string) bool {
		if claimed[strings.ToLower(p)] {
			return true
		}
		return occupied != nil && p != source && occupied(p)
	}

	dest := filepath.Join(dir, filename)
	if taken(dest) {
		ext := filepath.Ext(filename)
		stem := strings.TrimSuffix(filename, ext)
		for n := 1; ; n++ {
			candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, n, ext))
			if !taken(candidate) {
				dest = candidate
				break
			}
		}
	}
	claimed[strings.ToLower(dest)] = true
	return dest
}

// addFolders records every directory from base down to dir.
func addFolders(folders map[string]bool, base, dir string) {
	for d := dir; ; d = filepath.Dir(d) {
		folders[d] = true
		if d == base || len(d) <= len(base) {
			return
		}
	}
}

func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

// maxSegment caps a classifier-provided segment in bytes.
const maxSegment = 64

// sanitizeSegment makes a classifier-provided name safe as one path segment.
func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
	s = strings.Trim(strings.TrimSpace(s), ".")
	if len(s) > maxSegment {
		n := maxSegment
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = strings.TrimSpace(s[:n])
	}
	return s
}

// GeneratePlan builds and persists a new plan from the current file state.
// Every call produces a new plan id; stored plans are never modified.
func (s *Service) GeneratePlan(ctx context.Context, req PlanRequest) (plan *model.Plan, err error) {
	_, span := s.startSpan(ctx, "GeneratePlan")
	defer func() { endSpan(span, err) }()

	if _, err := s.workflow.Require("plan generation", PhaseClassifying, PhasePlanReady, PhaseReviewing); err != nil {
		return nil, err
	}

	opts, err := s.planOptions(req)
	if err != nil {
		return nil, err
	}

	files, err := s.db.ListPresentFiles()
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}

	inputs := make([]PlanInput, 0, len(files))
	pending := 0
	for _, f := range files {
		in := PlanInput{File: f}
		if f.Status != model.FileStatusUnclassified {
			in.Classification, err = s.cachedClassification(f)
			if err != nil {
				return nil, err
			}
			if in.Classification == nil && !opts.ExcludeIDs[f.ID] && !opts.Exclusions.Match(f.Path) {
				pending++
			}
		}
		inputs = append(inputs, in)
	}
	if pending > 0 && !req.IncludePending {
		return nil, WrapError(ErrClassificationIncomplete, "generate plan",
			fmt.Errorf("%d files have not been classified", pending))
	}

	if opts.BaseDir == "" {
		opts.BaseDir = s.destinationFor(firstRoot(files))
	}
	if opts.BaseDir == "" {
		return nil, WrapError(ErrEmptyPlan, "generate plan", fmt.Errorf("no scanned files"))
	}
	opts.Occupied = func(p string) bool {
		_, err := s.fsmgr.Stat(p)
		return err == nil
	}

	items, summary, err := BuildPlan(inputs, opts)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, WrapError(ErrEmptyPlan, "generate plan",
			fmt.Errorf("%d files considered, %d excluded", len(files), summary.ExcludedCount))
	}

	plan = &model.Plan{
		ID:        s.idgen.New(),
		Name:      planNames[opts.Style],
		Style:     opts.Style,
		Depth:     opts.Depth,
		Threshold: opts.Threshold,
		BaseDir:   opts.BaseDir,
		CreatedAt: s.clock.Now(),
		Items:     items,
		Summary:   summary,
	}
	if err := s.db.CreatePlan(plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	if _, err := s.workflow.Fire(EvPlanGenerated, ""); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("plan.id", plan.ID), attribute.Int("plan.items", len(items)))
	s.logger.Info("plan generated", "plan", plan.ID, "style", plan.Style, "items", len(items),
		"review", summary.ReviewCount, "excluded", summary.ExcludedCount)
	s.publisher.Publish(Event{Type: EventPlanGenerated, Data: map[string]any{
		"plan_id": plan.ID, "items": len(items), "review": summary.ReviewCount,
		"folders": len(summary.FoldersToCreate),
	}})
	return plan, nil
}

func (s *Service) planOptions(req PlanRequest) (PlanOptions, error) {
	style, err := NormalizeStyle(req.Style)
	if err != nil {
		return PlanOptions{}, err
	}
	depth, err := NormalizeDepth(req.Depth)
	if err != nil {
		return PlanOptions{}, err
	}
	threshold := DefaultReviewThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return PlanOptions{}, fmt.Errorf("threshold %.2f out of range [0, 1]", threshold)
	}
	exclusions, err := NewGlobSet(req.Exclusions)
	if err != nil {
		return PlanOptions{}, err
	}
	ids := make(map[int64]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		ids[id] = true
	}
	return PlanOptions{
		Style:          style,
		Depth:          depth,
		Threshold:      threshold,
		BaseDir:        s.opts.Destination,
		Exclusions:     exclusions,
		ExcludeIDs:     ids,
		Clarifications: req.Clarifications,
	}, nil
}

// firstRoot returns the smallest scan root among files.
func firstRoot(files []*model.FileRecord) []string {
	root := ""
	for _, f := range files {
		if f.Root != "" && (root == "" || f.Root < root) {
			root = f.Root
		}
	}
	if root == "" {
		return nil
	}
	return []string{root}
}

// ReviewPlan loads a plan for presentation and records that review began.
func (s *Service) ReviewPlan(planID string) (*model.Plan, error) {
	plan, err := s.db.FindPlan(planID)
	if err != nil {
		return nil, fmt.Errorf("finding plan: %w", err)
	}
	if plan == nil {
		return nil, WrapError(ErrPlanNotFound, "review plan", fmt.Errorf("plan %s", planID))
	}
	phase, err := s.workflow.Current()
	if err != nil {
		return nil, err
	}
	if phase == PhasePlanReady {
		if _, err := s.workflow.Fire(EvBeginReview, ""); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// ListPlans returns the most recent plans without items.
func (s *Service) ListPlans(limit int) ([]*model.Plan, error) {
	return s.db.ListPlans(limit)
}
