package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/ident"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
)

// Notifier is the notification collaborator. A nil Notifier disables
// notifications entirely.
type Notifier interface {
	Send(ctx context.Context, target, text string) error
}

// EngineHooks are optional observation points for metrics. Nil funcs are
// skipped.
type EngineHooks struct {
	OnStage func(stage string, durationSeconds float64, failed bool)
	OnFR    func(r *FRResult)
	OnRun   func(ev *RunEvent)
}

// RunEvent describes a finished run for the OnRun hook.
type RunEvent struct {
	Product        string
	Outcome        RunOutcome
	Status         store.AuditStatus
	FRCount        int
	ErroredBatches int
	Duration       float64
	DryRun         bool
}

// Engine implements the per-FR triage state machine: product alignment, Pulse
// matching, and the two-phase Idea shortlist and match, each stage calling the
// completion client, filtering by confidence, validating ids, and writing to
// the audit trail regardless of outcome.
type Engine struct {
	llm      *llm.Client
	store    store.Client
	notifier Notifier
	logger   log.Logger
	hooks    EngineHooks
}

// NewEngine creates a triage engine with the given collaborators. notifier
// may be nil.
func NewEngine(client *llm.Client, st store.Client, notifier Notifier, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		llm:      client,
		store:    st,
		notifier: notifier,
		logger:   logger,
	}
}

// SetHooks installs metric hooks.
func (e *Engine) SetHooks(h EngineHooks) { e.hooks = h }

// WithStore returns a copy of the engine bound to a different store client.
// Used to swap in the dry-run write-suppressing wrapper for one run.
func (e *Engine) WithStore(st store.Client) *Engine {
	cp := *e
	cp.store = st
	return &cp
}

// ProcessFR runs the matching stages for one feature request. Any failure,
// panics included, is contained at the FR boundary: it is recorded into the
// result's error list and never aborts the batch.
func (e *Engine) ProcessFR(ctx context.Context, cfg *product.Config, prep *PrepResult, fr store.FeatureRequest, aw *auditWriter) (res *FRResult) {
	res = &FRResult{ID: fr.ID, Title: fr.Title}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, fmt.Errorf("panic: %v", r), "FR processing panicked", "fr_id", fr.ID)
			res.Errors = append(res.Errors, fmt.Sprintf("panic during processing: %v", r))
		}
		if e.hooks.OnFR != nil {
			e.hooks.OnFR(res)
		}
	}()

	L := e.logger.With("fr_id", fr.ID, "product", cfg.Slug)

	align, err := e.alignFR(ctx, cfg, prep, fr, aw)
	if err != nil {
		L.Error(ctx, err, "alignment stage failed")
		res.Errors = append(res.Errors, fmt.Sprintf("alignment: %v", err))
		aw.appendf(ctx, "FR %s: alignment failed: %v", fr.ID, err)
		return res
	}
	res.Alignment = align
	res.Belongs = align.Verdict == VerdictBelongs

	res.Pulses, err = e.matchPulses(ctx, cfg, prep, fr, res.Belongs, aw)
	if err != nil {
		L.Error(ctx, err, "pulse stage failed")
		res.Errors = append(res.Errors, fmt.Sprintf("pulses: %v", err))
		aw.appendf(ctx, "FR %s: pulse matching failed: %v", fr.ID, err)
	}

	res.Ideas, err = e.matchIdeas(ctx, cfg, prep, fr, res.Belongs, aw)
	if err != nil {
		L.Error(ctx, err, "idea stage failed")
		res.Errors = append(res.Errors, fmt.Sprintf("ideas: %v", err))
		aw.appendf(ctx, "FR %s: idea matching failed: %v", fr.ID, err)
	}

	if len(res.Errors) == 0 {
		if err := e.store.MarkProcessed(ctx, fr.ID); err != nil {
			L.Error(ctx, err, "mark processed failed")
			res.Errors = append(res.Errors, fmt.Sprintf("mark processed: %v", err))
		}
	}

	L.Info(ctx, "FR processed",
		"verdict", res.Alignment.Verdict,
		"pulse_matches", len(res.Pulses.Matches),
		"idea_matches", len(res.Ideas.Matches),
		"errors", len(res.Errors),
	)
	return res
}

// alignFR runs the product-alignment stage.
func (e *Engine) alignFR(ctx context.Context, cfg *product.Config, prep *PrepResult, fr store.FeatureRequest, aw *auditWriter) (AlignmentResult, error) {
	start := time.Now()
	system := stagePrompt(cfg.Prompts.Alignment, defaultAlignmentPrompt)
	payload, err := llm.Complete[alignmentPayload](ctx, e.llm, system, buildAlignmentMessage(cfg, prep.Description, fr), "alignment")
	e.observeStage("alignment", start, err)
	if err != nil {
		return AlignmentResult{}, err
	}

	align := AlignmentResult{
		Verdict:          ParseVerdict(payload.Verdict, cfg),
		RawVerdict:       payload.Verdict,
		Confidence:       payload.Confidence,
		SuggestedProduct: payload.SuggestedProduct,
		Reason:           payload.Reason,
	}

	switch align.Verdict {
	case VerdictBelongs:
		aw.appendf(ctx, "FR %s (%s): belongs to %s (confidence %.2f): %s",
			fr.ID, fr.Title, cfg.Name, align.Confidence, align.Reason)
	case VerdictOther:
		suggested := align.SuggestedProduct
		if suggested == "" {
			suggested = "unspecified"
		}
		aw.appendf(ctx, "FR %s (%s): does not belong to %s, suggested product: %s (confidence %.2f): %s",
			fr.ID, fr.Title, cfg.Name, suggested, align.Confidence, align.Reason)
	case VerdictUncertain:
		aw.appendf(ctx, "FR %s (%s): alignment uncertain (confidence %.2f): %s",
			fr.ID, fr.Title, align.Confidence, align.Reason)
	default:
		aw.appendf(ctx, "FR %s (%s): unrecognized verdict %q (confidence %.2f): %s",
			fr.ID, fr.Title, align.RawVerdict, align.Confidence, align.Reason)
	}
	return align, nil
}

// matchPulses runs the Pulse-matching stage.
func (e *Engine) matchPulses(ctx context.Context, cfg *product.Config, prep *PrepResult, fr store.FeatureRequest, belongs bool, aw *auditWriter) (StageOutcome, error) {
	if !belongs {
		aw.appendf(ctx, "FR %s: pulse matching skipped, FR does not belong to %s", fr.ID, cfg.Name)
		return StageOutcome{Skipped: SkipMisaligned}, nil
	}
	if !cfg.Pulses.On() {
		aw.appendf(ctx, "FR %s: pulse matching skipped, stage disabled", fr.ID)
		return StageOutcome{Skipped: SkipDisabled}, nil
	}
	if len(prep.Pulses) == 0 {
		aw.appendf(ctx, "FR %s: pulse matching skipped, no pulse candidates", fr.ID)
		return StageOutcome{Skipped: SkipNoCandidates}, nil
	}

	start := time.Now()
	system := stagePrompt(cfg.Prompts.Pulses, defaultPulsesPrompt)
	payload, err := llm.Complete[matchListPayload](ctx, e.llm, system, buildPulsesMessage(fr, prep.Pulses), "pulse_match")
	e.observeStage("pulse_match", start, err)
	if err != nil {
		return StageOutcome{}, err
	}

	known := make([]string, len(prep.Pulses))
	for i, p := range prep.Pulses {
		known[i] = p.ID
	}
	matches := e.filterMatches(ctx, payload.Matches, cfg.Pulses.MinConfidence(), known, "pulse", fr.ID, aw)

	if len(matches) == 0 {
		aw.appendf(ctx, "FR %s: no pulse match", fr.ID)
		return StageOutcome{}, nil
	}
	for _, m := range matches {
		aw.appendf(ctx, "FR %s: matched pulse %s (confidence %.2f): %s", fr.ID, m.ID, m.Confidence, m.Reason)
	}

	merged := ident.Merge(fr.PulseRelations, matchIDs(matches))
	if err := e.store.UpdateRelations(ctx, fr.ID, store.RelationPulse, merged); err != nil {
		return StageOutcome{Matches: matches}, fmt.Errorf("update pulse relations: %w", err)
	}
	return StageOutcome{Matches: matches}, nil
}

// matchIdeas runs the two-phase Idea stage: a cheap shortlist call over titles
// only, then a match call over the shortlisted candidates enriched with their
// full content.
func (e *Engine) matchIdeas(ctx context.Context, cfg *product.Config, prep *PrepResult, fr store.FeatureRequest, belongs bool, aw *auditWriter) (StageOutcome, error) {
	if !belongs {
		aw.appendf(ctx, "FR %s: idea matching skipped, FR does not belong to %s", fr.ID, cfg.Name)
		return StageOutcome{Skipped: SkipMisaligned}, nil
	}
	if !cfg.Ideas.On() {
		aw.appendf(ctx, "FR %s: idea matching skipped, stage disabled", fr.ID)
		return StageOutcome{Skipped: SkipDisabled}, nil
	}
	if len(prep.IdeaTitles) == 0 {
		aw.appendf(ctx, "FR %s: idea matching skipped, no idea candidates", fr.ID)
		return StageOutcome{Skipped: SkipNoCandidates}, nil
	}

	start := time.Now()
	system := stagePrompt(cfg.Prompts.Shortlist, defaultShortlistPrompt)
	shortlist, err := llm.Complete[shortlistPayload](ctx, e.llm, system, buildShortlistMessage(fr, prep.IdeaTitles), "idea_shortlist")
	e.observeStage("idea_shortlist", start, err)
	if err != nil {
		return StageOutcome{}, err
	}

	known := make([]string, len(prep.IdeaTitles))
	byID := make(map[string]store.IdeaTitle, len(prep.IdeaTitles))
	for i, it := range prep.IdeaTitles {
		known[i] = it.ID
		if c, ok := ident.Normalize(it.ID); ok {
			byID[c] = it
		}
	}
	v := ident.Validate(shortlist.IDs, known)
	if len(v.Invalid) > 0 {
		e.logger.Warn(ctx, "shortlist returned ids outside the candidate set",
			"fr_id", fr.ID, "invalid", strings.Join(v.Invalid, ", "))
		aw.appendf(ctx, "FR %s: ignored %d shortlisted id(s) not in the candidate set", fr.ID, len(v.Invalid))
	}
	if len(v.Valid) == 0 {
		aw.appendf(ctx, "FR %s: no idea match (empty shortlist)", fr.ID)
		return StageOutcome{}, nil
	}

	// Enrich the shortlist with full content, best-effort per idea.
	enriched := make([]store.IdeaWithContent, 0, len(v.Valid))
	for _, id := range v.Valid {
		it := byID[id]
		content, err := e.store.GetContent(ctx, it.ID)
		if err != nil {
			e.logger.Warn(ctx, "idea content fetch failed, excluding candidate",
				"fr_id", fr.ID, "idea_id", it.ID, "error", err.Error())
			continue
		}
		enriched = append(enriched, store.IdeaWithContent{ID: it.ID, Title: it.Title, Content: content})
	}
	if len(enriched) == 0 {
		aw.appendf(ctx, "FR %s: no idea match (no shortlisted content available)", fr.ID)
		return StageOutcome{}, nil
	}

	start = time.Now()
	system = stagePrompt(cfg.Prompts.Ideas, defaultIdeasPrompt)
	payload, err := llm.Complete[matchListPayload](ctx, e.llm, system, buildIdeasMessage(fr, enriched), "idea_match")
	e.observeStage("idea_match", start, err)
	if err != nil {
		return StageOutcome{}, err
	}

	// Validate against the shortlisted set, not the full idea universe.
	shortIDs := make([]string, len(enriched))
	for i, it := range enriched {
		shortIDs[i] = it.ID
	}
	matches := e.filterMatches(ctx, payload.Matches, cfg.Ideas.MinConfidence(), shortIDs, "idea", fr.ID, aw)

	if len(matches) == 0 {
		aw.appendf(ctx, "FR %s: no idea match", fr.ID)
		return StageOutcome{}, nil
	}
	for _, m := range matches {
		aw.appendf(ctx, "FR %s: matched idea %s (confidence %.2f): %s", fr.ID, m.ID, m.Confidence, m.Reason)
	}

	merged := ident.Merge(fr.IdeaRelations, matchIDs(matches))
	if err := e.store.UpdateRelations(ctx, fr.ID, store.RelationIdea, merged); err != nil {
		return StageOutcome{Matches: matches}, fmt.Errorf("update idea relations: %w", err)
	}
	return StageOutcome{Matches: matches}, nil
}

// filterMatches applies the confidence gate (a match exactly at the threshold
// is retained) and validates the surviving ids against the candidate set the
// model was offered. Hallucinated ids are logged and dropped, never errors.
func (e *Engine) filterMatches(ctx context.Context, proposed []matchPayload, threshold float64, known []string, kind, frID string, aw *auditWriter) []ValidatedMatch {
	kept := proposed[:0:0]
	for _, m := range proposed {
		if m.Confidence >= threshold {
			kept = append(kept, m)
		}
	}
	ids := make([]string, len(kept))
	for i, m := range kept {
		ids[i] = m.ID
	}

	v := ident.Validate(ids, known)
	if len(v.Invalid) > 0 {
		e.logger.Warn(ctx, "model proposed ids outside the candidate set",
			"fr_id", frID, "kind", kind, "invalid", strings.Join(v.Invalid, ", "))
		aw.appendf(ctx, "FR %s: ignored %d %s id(s) not in the candidate set", frID, len(v.Invalid), kind)
	}

	matches := make([]ValidatedMatch, 0, len(v.Valid))
	for _, id := range v.Valid {
		for _, m := range kept {
			if c, ok := ident.Normalize(m.ID); ok && c == id {
				matches = append(matches, ValidatedMatch{ID: id, Confidence: m.Confidence, Reason: m.Reason})
				break
			}
		}
	}
	return matches
}

func matchIDs(matches []ValidatedMatch) []string {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return ids
}

func (e *Engine) observeStage(stage string, start time.Time, err error) {
	if e.hooks.OnStage != nil {
		e.hooks.OnStage(stage, time.Since(start).Seconds(), err != nil)
	}
}
