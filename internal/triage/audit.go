package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/store"
)

// auditWriter appends entries to a run's audit document. Appends are
// best-effort: a failed append is logged and never fails the stage.
type auditWriter struct {
	store   store.Client
	auditID string
	logger  log.Logger

	// entries mirrors everything appended, so finalize can build the run
	// summary without a store read-back. One goroutine per run.
	entries []string
}

func newAuditWriter(st store.Client, auditID string, logger log.Logger) *auditWriter {
	return &auditWriter{store: st, auditID: auditID, logger: logger}
}

func (w *auditWriter) append(ctx context.Context, content string) {
	w.entries = append(w.entries, content)
	if err := w.store.AppendAuditContent(ctx, w.auditID, content); err != nil {
		w.logger.Error(ctx, err, "audit append failed", "audit_id", w.auditID)
	}
}

// content returns the full audit trail appended so far.
func (w *auditWriter) content() string {
	return strings.Join(w.entries, "\n")
}

func (w *auditWriter) appendf(ctx context.Context, format string, args ...any) {
	w.append(ctx, fmt.Sprintf(format, args...))
}
