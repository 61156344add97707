package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/linnemanlabs/sift/internal/store/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SIFT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SIFT_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestFeatureRequestRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	frs, err := s.QueryEligibleFRs(ctx, "pgstore-test-product", store.FRFilter{Unprocessed: true})
	if err != nil {
		t.Fatalf("QueryEligibleFRs: %v", err)
	}
	if len(frs) != 0 {
		t.Errorf("expected empty product, got %d FRs", len(frs))
	}

	// Backtest mode with a future cutoff also returns nothing.
	frs, err = s.QueryEligibleFRs(ctx, "pgstore-test-product", store.FRFilter{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("QueryEligibleFRs (since): %v", err)
	}
	if len(frs) != 0 {
		t.Errorf("expected empty window, got %d FRs", len(frs))
	}
}

func TestAuditLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	rec, err := s.CreateAuditRecord(ctx, "pgstore-test-product", "Triage run")
	if err != nil {
		t.Fatalf("CreateAuditRecord: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected non-empty audit id")
	}

	if err := s.AppendAuditContent(ctx, rec.ID, "entry one"); err != nil {
		t.Fatalf("AppendAuditContent: %v", err)
	}
	if err := s.SetAuditStatus(ctx, rec.ID, store.AuditComplete, "all clear"); err != nil {
		t.Fatalf("SetAuditStatus: %v", err)
	}

	if err := s.AppendAuditContent(ctx, "missing-audit", "x"); err == nil {
		t.Error("expected error appending to unknown audit record")
	}
	if err := s.SetAuditStatus(ctx, "missing-audit", store.AuditError, ""); err == nil {
		t.Error("expected error setting status on unknown audit record")
	}
}

func TestUpdateRelations_UnknownFR(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	if err := s.UpdateRelations(ctx, "no-such-fr", store.RelationPulse, []string{"a"}); err == nil {
		t.Error("expected error for unknown feature request")
	}
	if err := s.MarkProcessed(ctx, "no-such-fr"); err == nil {
		t.Error("expected error for unknown feature request")
	}
}
