package triage

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
)

// PrepResult is the shared per-run context: eligible FRs, the cached product
// description and candidate sets, and the freshly created audit record.
// Created once, read-only for the rest of the run.
type PrepResult struct {
	FRs         []store.FeatureRequest
	Description string
	Pulses      []store.PulseItem
	IdeaTitles  []store.IdeaTitle
	Audit       *store.AuditRecord
}

// Prepare gathers the per-run context in a single pass: the eligible FR set,
// then the product description and both candidate sets concurrently, then a
// fresh audit record. Returns (nil, nil) when no FRs are eligible, signaling
// a no-op run. A Prepare failure aborts the whole run for the product.
func (e *Engine) Prepare(ctx context.Context, cfg *product.Config, backtest bool) (*PrepResult, error) {
	filter := store.FRFilter{Unprocessed: true}
	if backtest {
		filter = store.FRFilter{Since: time.Now().AddDate(0, 0, -cfg.BacktestDays)}
	}

	frs, err := e.store.QueryEligibleFRs(ctx, cfg.Slug, filter)
	if err != nil {
		return nil, fmt.Errorf("query eligible FRs: %w", err)
	}
	if len(frs) == 0 {
		return nil, nil
	}

	prep := &PrepResult{FRs: frs}

	// Three independent reads, awaited jointly.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.DescriptionID == "" {
			prep.Description = cfg.Description
			return nil
		}
		desc, err := e.store.GetContent(gctx, cfg.DescriptionID)
		if err != nil {
			return fmt.Errorf("fetch product description: %w", err)
		}
		prep.Description = desc
		return nil
	})
	g.Go(func() error {
		pulses, err := e.store.QueryPulses(gctx, cfg.Slug)
		if err != nil {
			return fmt.Errorf("query pulses: %w", err)
		}
		prep.Pulses = pulses
		return nil
	})
	g.Go(func() error {
		ideas, err := e.store.QueryIdeaTitles(gctx, cfg.Slug)
		if err != nil {
			return fmt.Errorf("query idea titles: %w", err)
		}
		prep.IdeaTitles = ideas
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	title := fmt.Sprintf("Triage run: %s (%s)", cfg.Name, time.Now().Format("2006-01-02 15:04"))
	audit, err := e.store.CreateAuditRecord(ctx, cfg.Slug, title)
	if err != nil {
		return nil, fmt.Errorf("create audit record: %w", err)
	}
	prep.Audit = audit

	return prep, nil
}
