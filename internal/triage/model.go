package triage

import (
	"strings"
	"time"

	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
)

// Verdict is the alignment judgment for a feature request.
type Verdict string

const (
	// VerdictBelongs means the FR belongs to the product under triage.
	VerdictBelongs Verdict = "belongs"

	// VerdictOther means the FR belongs to a different product.
	VerdictOther Verdict = "other"

	// VerdictUncertain means the model could not decide.
	VerdictUncertain Verdict = "uncertain"

	// VerdictUnknown means the model returned a string that is neither a
	// belongs synonym, a recognized rejection, nor "uncertain". Gated the
	// same as not-belonging, and counted as a needs-attention trigger.
	VerdictUnknown Verdict = "unknown"
)

// belongsSynonyms are verdict strings that always mean "belongs", in addition
// to the product name and its configured aliases.
var belongsSynonyms = []string{"belongs", "home", "yes", "this product"}

// rejectSynonyms are verdict strings recognized as an explicit rejection.
var rejectSynonyms = []string{"other", "no", "none", "not this product", "different product"}

// ParseVerdict maps a raw model verdict string onto a Verdict, comparing
// case-insensitively against the product name, its aliases and the builtin
// synonym sets.
func ParseVerdict(raw string, cfg *product.Config) Verdict {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return VerdictUnknown
	}
	if v == strings.ToLower(cfg.Name) {
		return VerdictBelongs
	}
	for _, a := range cfg.BelongsAliases {
		if v == strings.ToLower(a) {
			return VerdictBelongs
		}
	}
	for _, s := range belongsSynonyms {
		if v == s {
			return VerdictBelongs
		}
	}
	if v == "uncertain" || v == "unsure" {
		return VerdictUncertain
	}
	for _, s := range rejectSynonyms {
		if v == s {
			return VerdictOther
		}
	}
	return VerdictUnknown
}

// AlignmentResult is the model's belongs/doesn't-belong judgment for one FR.
type AlignmentResult struct {
	Verdict          Verdict `json:"verdict"`
	RawVerdict       string  `json:"raw_verdict"`
	Confidence       float64 `json:"confidence"`
	SuggestedProduct string  `json:"suggested_product,omitempty"`
	Reason           string  `json:"reason,omitempty"`
}

// ValidatedMatch is a confirmed match to a Pulse or Idea. The ID is always
// normalized and was present in the candidate set offered to the model.
type ValidatedMatch struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// SkipReason records why a matching stage did not run.
type SkipReason string

const (
	// SkipNone means the stage ran.
	SkipNone SkipReason = ""

	// SkipMisaligned means the FR does not belong to the product.
	SkipMisaligned SkipReason = "misaligned"

	// SkipDisabled means the stage is turned off for the product.
	SkipDisabled SkipReason = "disabled"

	// SkipNoCandidates means no candidates existed to match against.
	SkipNoCandidates SkipReason = "no_candidates"
)

// StageOutcome is the tagged result of one matching stage: either the stage
// ran and produced zero or more matches, or it was skipped for a recorded
// reason. "Skipped due to misalignment" and "zero matches found" stay
// distinguishable without exception-driven control flow.
type StageOutcome struct {
	Matches []ValidatedMatch `json:"matches,omitempty"`
	Skipped SkipReason       `json:"skipped,omitempty"`
}

// FRResult is the per-FR outcome, aggregated by finalize. Never mutated after
// the FR's processing completes.
type FRResult struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Alignment AlignmentResult `json:"alignment"`
	Belongs   bool            `json:"belongs"`
	Pulses    StageOutcome    `json:"pulses"`
	Ideas     StageOutcome    `json:"ideas"`
	Errors    []string        `json:"errors,omitempty"`
}

// needsAttention reports whether this FR contributes to a needs-attention
// run status: a non-belonging or uncertain or unrecognized verdict, or zero
// surviving matches in an enabled stage while belonging to the product.
// Stage-disabled skips are a product owner's choice, not attention-worthy.
func (r *FRResult) needsAttention() bool {
	if r.Alignment.Verdict != VerdictBelongs {
		return true
	}
	if r.Pulses.Skipped != SkipDisabled && len(r.Pulses.Matches) == 0 {
		return true
	}
	if r.Ideas.Skipped != SkipDisabled && len(r.Ideas.Matches) == 0 {
		return true
	}
	return false
}

// RunOutcome is the pipeline-level result status of a triage run.
type RunOutcome string

const (
	OutcomeComplete RunOutcome = "complete"
	OutcomeNoFRs    RunOutcome = "no_frs"
	OutcomeError    RunOutcome = "error"
)

// TriageResult is the run-level pipeline outcome.
type TriageResult struct {
	FRCount        int               `json:"fr_count"`
	Outcome        RunOutcome        `json:"outcome"`
	AuditStatus    store.AuditStatus `json:"audit_status,omitempty"`
	Results        []*FRResult       `json:"results,omitempty"`
	ErroredBatches int               `json:"errored_batches,omitempty"`
}

// RunStatus tracks where a run is in its lifecycle.
type RunStatus string

const (
	// RunPending means created, not yet started
	RunPending RunStatus = "pending"

	// RunInProgress means currently being processed
	RunInProgress RunStatus = "in_progress"

	// RunComplete means finished, pipeline outcome inside Result
	RunComplete RunStatus = "complete"

	// RunFailed means the run aborted before producing a result
	RunFailed RunStatus = "failed"
)

// Run is the lifecycle record for one submitted triage run.
type Run struct {
	ID          string        `json:"id"`
	Product     string        `json:"product"`
	Backtest    bool          `json:"backtest"`
	DryRun      bool          `json:"dry_run"`
	Status      RunStatus     `json:"status"`
	AuditURL    string        `json:"audit_url,omitempty"`
	Result      *TriageResult `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    float64       `json:"duration_seconds,omitempty"`
}
