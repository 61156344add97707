package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
)

// runStatus computes a run's closing audit status by strict priority:
// Error beats Needs Attention beats Complete. Notes itemize what drove the
// status. Low-confidence matches filtered during the stages never appear
// here; they are indistinguishable from candidates that never existed.
func runStatus(results []*FRResult) (store.AuditStatus, string) {
	var errLines []string
	attention := 0

	for _, r := range results {
		for _, e := range r.Errors {
			errLines = append(errLines, fmt.Sprintf("FR %s: %s", r.ID, e))
		}
	}
	if len(errLines) > 0 {
		return store.AuditError, strings.Join(errLines, "\n")
	}

	for _, r := range results {
		if r.needsAttention() {
			attention++
		}
	}
	if attention > 0 {
		return store.AuditNeedsAttention, fmt.Sprintf("%d feature request(s) need review", attention)
	}
	return store.AuditComplete, ""
}

// Finalize closes out a run: appends the completion marker, sets the audit
// status, generates a natural-language run summary and sends it through the
// notifier. A summary-generation failure is logged and swallowed; it never
// fails the run.
func (e *Engine) Finalize(ctx context.Context, cfg *product.Config, prep *PrepResult, results []*FRResult, aw *auditWriter) store.AuditStatus {
	aw.appendf(ctx, "Run complete: %d feature request(s) processed", len(results))

	status, notes := runStatus(results)
	if err := e.store.SetAuditStatus(ctx, prep.Audit.ID, status, notes); err != nil {
		e.logger.Error(ctx, err, "set audit status failed", "audit_id", prep.Audit.ID, "status", string(status))
	}

	text := e.summarize(ctx, cfg, aw)
	if text == "" {
		text = fmt.Sprintf("Triage run for %s finished: %d FR(s), status %s.", cfg.Name, len(results), status)
		if notes != "" {
			text += "\n" + notes
		}
	}
	if prep.Audit.URL != "" {
		text += "\nAudit: " + prep.Audit.URL
	}
	e.notify(ctx, cfg, text)

	return status
}

// summarize asks the model for a run summary over the full audit content.
// Returns "" on failure.
func (e *Engine) summarize(ctx context.Context, cfg *product.Config, aw *auditWriter) string {
	system := stagePrompt(cfg.Prompts.Summary, defaultSummaryPrompt)
	payload, err := llm.Complete[summaryPayload](ctx, e.llm, system, buildSummaryMessage(cfg, aw.content()), "run_summary")
	if err != nil {
		e.logger.Error(ctx, err, "run summary generation failed", "product", cfg.Slug)
		return ""
	}
	return payload.Summary
}

// notify sends text to the product's configured target. Disabled when no
// notifier is wired or the product has no target; a send failure is logged.
func (e *Engine) notify(ctx context.Context, cfg *product.Config, text string) {
	if e.notifier == nil || cfg.NotifyTarget == "" {
		return
	}
	if err := e.notifier.Send(ctx, cfg.NotifyTarget, text); err != nil {
		e.logger.Error(ctx, err, "notification send failed", "target", cfg.NotifyTarget)
	}
}
