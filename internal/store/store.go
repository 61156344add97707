// Package store defines the persistent-store collaborator contract the triage
// pipeline runs against, and the record types that cross it. Implementations
// own pagination, rate limiting and retry-with-backoff; the pipeline sees
// plain blocking calls.
package store

import (
	"context"
	"time"
)

// RelationKind selects which relation set of a feature request to update.
type RelationKind string

const (
	RelationPulse RelationKind = "pulse"
	RelationIdea  RelationKind = "idea"
)

// AuditStatus is the closing status of an audit record.
type AuditStatus string

const (
	AuditComplete       AuditStatus = "complete"
	AuditNeedsAttention AuditStatus = "needs_attention"
	AuditError          AuditStatus = "error"
)

// FeatureRequest is an end-user submitted request record. Immutable once
// fetched; owned by the orchestrator for the duration of one run.
type FeatureRequest struct {
	ID      string
	Title   string
	Content string
	// PulseRelations and IdeaRelations are the FR's existing relation-id
	// sets. New matches are merged into these, never replace them.
	PulseRelations []string
	IdeaRelations  []string
	Processed      bool
	CreatedAt      time.Time
}

// PulseItem is a strategic-theme candidate: id, title, and content capped at
// fetch time to bound prompt size.
type PulseItem struct {
	ID      string
	Title   string
	Content string
}

// IdeaTitle is a backlog-item candidate, titles only. Full content is fetched
// lazily for shortlisted ideas via GetContent.
type IdeaTitle struct {
	ID    string
	Title string
}

// IdeaWithContent is a shortlisted idea enriched with its full content.
type IdeaWithContent struct {
	ID      string
	Title   string
	Content string
}

// AuditRecord identifies a run-scoped, append-only audit document.
type AuditRecord struct {
	ID  string
	URL string
}

// FRFilter selects the eligible feature requests for a run. The two modes are
// mutually exclusive: Unprocessed selects by status; Since selects everything
// created after the given time regardless of status (backtest mode).
type FRFilter struct {
	Unprocessed bool
	Since       time.Time
}

// Client is the persistent-store collaborator contract.
type Client interface {
	QueryEligibleFRs(ctx context.Context, product string, f FRFilter) ([]FeatureRequest, error)
	QueryPulses(ctx context.Context, product string) ([]PulseItem, error)
	QueryIdeaTitles(ctx context.Context, product string) ([]IdeaTitle, error)
	GetContent(ctx context.Context, id string) (string, error)

	CreateAuditRecord(ctx context.Context, product, title string) (*AuditRecord, error)
	AppendAuditContent(ctx context.Context, auditID, content string) error
	SetAuditStatus(ctx context.Context, auditID string, status AuditStatus, notes string) error
	UpdateRelations(ctx context.Context, frID string, kind RelationKind, ids []string) error
	MarkProcessed(ctx context.Context, frID string) error
}
