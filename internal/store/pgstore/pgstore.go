// Package pgstore provides a PostgreSQL implementation of store.Client.
package pgstore

import (
	_ "embed"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/sift/internal/store"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/store/pgstore")

//go:embed schema.sql
var schema string

// maxPulseContentLen caps pulse content returned by QueryPulses so a large
// pulse document cannot blow up prompt size.
const maxPulseContentLen = 2000

// Store persists triage source records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema to the pool's database and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// QueryEligibleFRs returns the feature requests a run should process, either
// the unprocessed set or everything created since a cutoff (backtest mode).
func (s *Store) QueryEligibleFRs(ctx context.Context, product string, f store.FRFilter) ([]store.FeatureRequest, error) {
	ctx, span := startSpan(ctx, "pgstore.QueryEligibleFRs", "SELECT")
	defer span.End()

	query := `SELECT id, title, content, pulse_relations, idea_relations, processed, created_at
		FROM feature_requests WHERE product = $1`
	args := []any{product}
	switch {
	case f.Unprocessed:
		query += ` AND processed = FALSE`
	case !f.Since.IsZero():
		query += ` AND created_at >= $2`
		args = append(args, f.Since)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("query feature requests: %w", err))
	}
	defer rows.Close()

	var out []store.FeatureRequest
	for rows.Next() {
		var fr store.FeatureRequest
		var pulseJSON, ideaJSON []byte
		if err := rows.Scan(&fr.ID, &fr.Title, &fr.Content, &pulseJSON, &ideaJSON, &fr.Processed, &fr.CreatedAt); err != nil {
			return nil, failSpan(span, fmt.Errorf("scan feature request: %w", err))
		}
		if err := json.Unmarshal(pulseJSON, &fr.PulseRelations); err != nil {
			return nil, failSpan(span, fmt.Errorf("decode pulse relations for %s: %w", fr.ID, err))
		}
		if err := json.Unmarshal(ideaJSON, &fr.IdeaRelations); err != nil {
			return nil, failSpan(span, fmt.Errorf("decode idea relations for %s: %w", fr.ID, err))
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, failSpan(span, fmt.Errorf("iterate feature requests: %w", err))
	}
	return out, nil
}

// QueryPulses returns the pulse candidates for a product, content capped.
func (s *Store) QueryPulses(ctx context.Context, product string) ([]store.PulseItem, error) {
	ctx, span := startSpan(ctx, "pgstore.QueryPulses", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, title, LEFT(content, $2) FROM pulses WHERE product = $1 ORDER BY title`,
		product, maxPulseContentLen)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("query pulses: %w", err))
	}
	defer rows.Close()

	var out []store.PulseItem
	for rows.Next() {
		var p store.PulseItem
		if err := rows.Scan(&p.ID, &p.Title, &p.Content); err != nil {
			return nil, failSpan(span, fmt.Errorf("scan pulse: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, failSpan(span, fmt.Errorf("iterate pulses: %w", err))
	}
	return out, nil
}

// QueryIdeaTitles returns the idea candidates for a product, titles only.
func (s *Store) QueryIdeaTitles(ctx context.Context, product string) ([]store.IdeaTitle, error) {
	ctx, span := startSpan(ctx, "pgstore.QueryIdeaTitles", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, title FROM ideas WHERE product = $1 ORDER BY title`, product)
	if err != nil {
		return nil, failSpan(span, fmt.Errorf("query ideas: %w", err))
	}
	defer rows.Close()

	var out []store.IdeaTitle
	for rows.Next() {
		var it store.IdeaTitle
		if err := rows.Scan(&it.ID, &it.Title); err != nil {
			return nil, failSpan(span, fmt.Errorf("scan idea: %w", err))
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, failSpan(span, fmt.Errorf("iterate ideas: %w", err))
	}
	return out, nil
}

// GetContent returns the body for a content id, checking the contents table
// first and falling back to idea and pulse bodies.
func (s *Store) GetContent(ctx context.Context, id string) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.GetContent", "SELECT")
	defer span.End()

	queries := []string{
		`SELECT body FROM contents WHERE id = $1`,
		`SELECT content FROM ideas WHERE id = $1`,
		`SELECT content FROM pulses WHERE id = $1`,
	}
	for _, q := range queries {
		var body string
		err := s.pool.QueryRow(ctx, q, id).Scan(&body)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", failSpan(span, fmt.Errorf("get content %s: %w", id, err))
		}
	}
	return "", failSpan(span, fmt.Errorf("get content: no record for id %s", id))
}

// CreateAuditRecord creates a fresh audit document for a run.
func (s *Store) CreateAuditRecord(ctx context.Context, product, title string) (*store.AuditRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateAuditRecord", "INSERT")
	defer span.End()

	id := ulid.Make().String()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (id, product, title) VALUES ($1, $2, $3)`,
		id, product, title); err != nil {
		return nil, failSpan(span, fmt.Errorf("insert audit record: %w", err))
	}
	return &store.AuditRecord{ID: id, URL: "pgstore://audit/" + id}, nil
}

// AppendAuditContent appends a content block to an audit document.
func (s *Store) AppendAuditContent(ctx context.Context, auditID, content string) error {
	ctx, span := startSpan(ctx, "pgstore.AppendAuditContent", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (audit_id, content) SELECT $1, $2
		 WHERE EXISTS (SELECT 1 FROM audit_records WHERE id = $1)`,
		auditID, content)
	if err != nil {
		return failSpan(span, fmt.Errorf("append audit content: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return failSpan(span, fmt.Errorf("append audit content: no audit record %s", auditID))
	}
	return nil
}

// SetAuditStatus sets the closing status of an audit document.
func (s *Store) SetAuditStatus(ctx context.Context, auditID string, status store.AuditStatus, notes string) error {
	ctx, span := startSpan(ctx, "pgstore.SetAuditStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE audit_records SET status = $2, notes = $3 WHERE id = $1`,
		auditID, string(status), notes)
	if err != nil {
		return failSpan(span, fmt.Errorf("set audit status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return failSpan(span, fmt.Errorf("set audit status: no audit record %s", auditID))
	}
	return nil
}

// UpdateRelations replaces the named relation set of a feature request.
// Callers merge before calling; the store applies what it is given.
func (s *Store) UpdateRelations(ctx context.Context, frID string, kind store.RelationKind, ids []string) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateRelations", "UPDATE")
	defer span.End()

	var column string
	switch kind {
	case store.RelationPulse:
		column = "pulse_relations"
	case store.RelationIdea:
		column = "idea_relations"
	default:
		return failSpan(span, fmt.Errorf("unknown relation kind %q", kind))
	}

	payload, err := json.Marshal(ids)
	if err != nil {
		return failSpan(span, fmt.Errorf("encode relation ids: %w", err))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE feature_requests SET `+column+` = $2 WHERE id = $1`, frID, payload)
	if err != nil {
		return failSpan(span, fmt.Errorf("update %s relations: %w", kind, err))
	}
	if tag.RowsAffected() == 0 {
		return failSpan(span, fmt.Errorf("update relations: no feature request %s", frID))
	}
	return nil
}

// MarkProcessed flags a feature request as handled.
func (s *Store) MarkProcessed(ctx context.Context, frID string) error {
	ctx, span := startSpan(ctx, "pgstore.MarkProcessed", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE feature_requests SET processed = TRUE WHERE id = $1`, frID)
	if err != nil {
		return failSpan(span, fmt.Errorf("mark processed: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return failSpan(span, fmt.Errorf("mark processed: no feature request %s", frID))
	}
	return nil
}
