// Package findreplace implements the find/replace scanning task: it walks
// the selected course content, reports every occurrence of the configured
// terms, and rewrites bodies unless running dry.
package findreplace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/edusuite/coursescan/internal/lms"
	"github.com/edusuite/coursescan/internal/progress"
	"github.com/edusuite/coursescan/internal/ratelimit"
	"github.com/edusuite/coursescan/internal/task"
)

// TypeName is the registry name of this task.
const TypeName = "find_replace"

// Version is the registered semantic version of this task.
const Version = "1.0.0"

// Options are the task-specific settings carried in Config.Options.
type Options struct {
	// Mappings maps search terms to their replacements. A replacement
	// equal to the term makes the task report matches without changing
	// anything for that term.
	Mappings map[string]string `json:"mappings"`

	CaseSensitive bool `json:"case_sensitive"`
	WholeWord     bool `json:"whole_word"`

	// DryRun reports findings without writing anything back.
	DryRun bool `json:"dry_run"`
}

// Task scans course content for the configured terms.
type Task struct {
	client  lms.ContentClient
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewFactory returns a registry factory producing find/replace tasks
// bound to the given client and limiter.
func NewFactory(client lms.ContentClient, limiter *ratelimit.Limiter, logger *slog.Logger) task.Factory {
	return func() task.Task {
		return &Task{
			client:  client,
			limiter: limiter,
			logger:  logger.With("component", "find_replace_task"),
		}
	}
}

// decodeOptions converts the untyped options map into Options.
func decodeOptions(raw map[string]any) (Options, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Options{}, fmt.Errorf("failed to encode options: %w", err)
	}
	var opts Options
	if err := json.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to decode options: %w", err)
	}
	return opts, nil
}

// Validate checks the task options before any remote call.
func (t *Task) Validate(cfg task.Config) task.ValidationResult {
	var vr task.ValidationResult
	vr.Valid = true

	opts, err := decodeOptions(cfg.Options)
	if err != nil {
		vr.AddError(err.Error())
		return vr
	}

	if len(opts.Mappings) == 0 {
		vr.AddError("mappings cannot be empty")
	}
	for term, repl := range opts.Mappings {
		if term == "" {
			vr.AddError("mapping search term cannot be empty")
		}
		if term == repl {
			vr.AddWarning(fmt.Sprintf("mapping %q replaces a term with itself; it will only be reported", term))
		}
	}

	for _, ct := range cfg.ContentTypes {
		if !lms.ContentType(ct).Valid() {
			vr.AddError(fmt.Sprintf("unsupported content type %q", ct))
		}
	}

	return vr
}

// matcher is one compiled search term.
type matcher struct {
	term        string
	replacement string
	re          *regexp.Regexp
}

// compileMatchers builds the term matchers, sorted by term for stable
// finding order.
func compileMatchers(opts Options) ([]matcher, error) {
	terms := make([]string, 0, len(opts.Mappings))
	for term := range opts.Mappings {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	out := make([]matcher, 0, len(terms))
	for _, term := range terms {
		pattern := regexp.QuoteMeta(term)
		if opts.WholeWord {
			pattern = `\b` + pattern + `\b`
		}
		if !opts.CaseSensitive {
			pattern = `(?i)` + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern for %q: %w", term, err)
		}
		out = append(out, matcher{term: term, replacement: opts.Mappings[term], re: re})
	}
	return out, nil
}

// Execute walks the selected content types and applies the mappings.
func (t *Task) Execute(ctx context.Context, cfg task.Config, tracker *task.Tracker) (*task.Result, error) {
	opts, err := decodeOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	matchers, err := compileMatchers(opts)
	if err != nil {
		return nil, err
	}

	contentTypes := make([]lms.ContentType, 0, len(cfg.ContentTypes))
	for _, ct := range cfg.ContentTypes {
		contentTypes = append(contentTypes, lms.ContentType(ct))
	}
	if len(contentTypes) == 0 {
		contentTypes = lms.AllContentTypes
	}

	result := &task.Result{
		TaskID:    cfg.ID,
		Type:      cfg.Type,
		StartedAt: time.Now().UTC(),
	}

	for i, ct := range contentTypes {
		tracker.Update(progress.StageFetching, i, len(contentTypes),
			fmt.Sprintf("scanning %s", ct))

		if err := t.scanType(ctx, cfg, opts, matchers, ct, tracker, result); err != nil {
			return nil, err
		}
	}

	tracker.Update(progress.StageReporting, 1, 1,
		fmt.Sprintf("scanned %d items, %d findings", result.TotalScanned, len(result.Findings)))
	result.CompletedAt = time.Now().UTC()
	return result, nil
}

func (t *Task) scanType(ctx context.Context, cfg task.Config, opts Options, matchers []matcher, ct lms.ContentType, tracker *task.Tracker, result *task.Result) error {
	for page := 1; ; page++ {
		if tracker.Cancelled() {
			return context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := cfg.BatchSize
		if batch == 0 && t.limiter != nil {
			batch = t.limiter.OptimalBatchSize(ctx, cfg.Principal)
		}
		if batch < 1 {
			batch = 50
		}

		items, err := t.client.ListContent(ctx, cfg.Principal, cfg.CourseID, ct, page, batch)
		if err != nil {
			return err
		}
		result.APICalls++
		if len(items) == 0 {
			return nil
		}

		for idx, item := range items {
			if tracker.Cancelled() {
				return context.Canceled
			}

			if err := t.scanItem(ctx, cfg, opts, matchers, item, result); err != nil {
				return err
			}
			result.TotalScanned++
			tracker.Update(progress.StageProcessing, idx+1, len(items),
				fmt.Sprintf("%s: %s", ct, item.Title))
		}

		if len(items) < batch {
			return nil
		}
	}
}

func (t *Task) scanItem(ctx context.Context, cfg task.Config, opts Options, matchers []matcher, item lms.Item, result *task.Result) error {
	// Listings for some types omit the body; fetch it before matching.
	if item.Body == "" && item.Type.Editable() {
		full, err := t.client.GetBody(ctx, cfg.Principal, cfg.CourseID, item.Type, item.ID)
		if err != nil {
			return err
		}
		result.APICalls++
		item = full
	}

	// Module names are the only scannable text modules have.
	haystack := item.Body
	if item.Type == lms.ContentModules {
		haystack = item.Title
	}
	if haystack == "" {
		return nil
	}

	updated := haystack
	changed := false
	for _, m := range matchers {
		count := len(m.re.FindAllStringIndex(updated, -1))
		if count == 0 {
			continue
		}

		findingType := "match"
		if !opts.DryRun && m.replacement != m.term && item.Type.Editable() {
			updated = m.re.ReplaceAllLiteralString(updated, m.replacement)
			changed = true
			findingType = "replacement"
		}

		result.AddFinding(task.Finding{
			ContentType:  string(item.Type),
			ContentID:    item.ID,
			ContentTitle: item.Title,
			ContentURL:   item.URL,
			FindingType:  findingType,
			Description:  fmt.Sprintf("%d occurrence(s) of %q", count, m.term),
			OldValue:     m.term,
			NewValue:     m.replacement,
		})
	}

	if changed {
		if err := t.client.UpdateBody(ctx, cfg.Principal, cfg.CourseID, item.Type, item.ID, updated); err != nil {
			return err
		}
		result.APICalls++
		t.logger.Info("content rewritten",
			"course_id", cfg.CourseID,
			"content_type", item.Type,
			"content_id", item.ID)
	}
	return nil
}
