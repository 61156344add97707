package store

import (
	"context"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// dryRun wraps a Client for non-mutating (backtest) runs: reads delegate to
// the inner client, writes log the would-be operation and succeed without
// touching the store.
type dryRun struct {
	inner  Client
	logger log.Logger
}

// DryRun returns a write-suppressing view of inner. Every suppressed write
// is logged so a backtest run still leaves an inspectable trace.
func DryRun(inner Client, logger log.Logger) Client {
	if logger == nil {
		logger = log.Nop()
	}
	return &dryRun{inner: inner, logger: logger.With("store_mode", "dry_run")}
}

func (d *dryRun) QueryEligibleFRs(ctx context.Context, product string, f FRFilter) ([]FeatureRequest, error) {
	return d.inner.QueryEligibleFRs(ctx, product, f)
}

func (d *dryRun) QueryPulses(ctx context.Context, product string) ([]PulseItem, error) {
	return d.inner.QueryPulses(ctx, product)
}

func (d *dryRun) QueryIdeaTitles(ctx context.Context, product string) ([]IdeaTitle, error) {
	return d.inner.QueryIdeaTitles(ctx, product)
}

func (d *dryRun) GetContent(ctx context.Context, id string) (string, error) {
	return d.inner.GetContent(ctx, id)
}

// CreateAuditRecord mints a synthetic record so downstream audit appends have
// an id to address, without creating anything in the store.
func (d *dryRun) CreateAuditRecord(ctx context.Context, product, title string) (*AuditRecord, error) {
	id := "dry-" + ulid.Make().String()
	d.logger.Info(ctx, "skipped audit record creation", "product", product, "title", title, "audit_id", id)
	return &AuditRecord{ID: id}, nil
}

func (d *dryRun) AppendAuditContent(ctx context.Context, auditID, content string) error {
	d.logger.Info(ctx, "skipped audit append", "audit_id", auditID, "content", content)
	return nil
}

func (d *dryRun) SetAuditStatus(ctx context.Context, auditID string, status AuditStatus, notes string) error {
	d.logger.Info(ctx, "skipped audit status update", "audit_id", auditID, "status", string(status), "notes", notes)
	return nil
}

func (d *dryRun) UpdateRelations(ctx context.Context, frID string, kind RelationKind, ids []string) error {
	d.logger.Info(ctx, "skipped relation update", "fr_id", frID, "kind", string(kind), "ids", ids)
	return nil
}

func (d *dryRun) MarkProcessed(ctx context.Context, frID string) error {
	d.logger.Info(ctx, "skipped processed mark", "fr_id", frID)
	return nil
}
