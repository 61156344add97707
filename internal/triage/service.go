package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnknownProduct means the requested product slug is not configured.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrRunInProgress means the product already has a pending or running
	// triage run.
	ErrRunInProgress = errors.New("run already in progress for product")
)

// Service is the business boundary for triage runs: it owns the run registry,
// per-product dedup, batching and the inter-batch delay, and drives the
// engine through prepare, per-FR processing and finalize.
type Service struct {
	products map[string]*product.Config
	engine   *Engine
	logger   log.Logger

	mu   sync.Mutex
	runs map[string]*Run
	// active maps a product slug to its pending/in-progress run id.
	active map[string]string
}

// NewService creates a triage service over the given product configurations.
func NewService(products map[string]*product.Config, engine *Engine, logger log.Logger) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		products: products,
		engine:   engine,
		logger:   logger,
		runs:     make(map[string]*Run),
		active:   make(map[string]string),
	}
}

// Products returns the configured product slugs, sorted.
func (s *Service) Products() []string {
	slugs := make([]string, 0, len(s.products))
	for slug := range s.products {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

// Submit starts a triage run for a product, handling dedup and lifecycle.
// The pipeline itself runs asynchronously; the returned Run is a snapshot.
func (s *Service) Submit(ctx context.Context, slug string, backtest, dryRun bool) (*Run, error) {
	cfg, ok := s.products[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, slug)
	}

	s.mu.Lock()
	if id, busy := s.active[slug]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (run %s)", ErrRunInProgress, slug, id)
	}
	run := &Run{
		ID:        ulid.Make().String(),
		Product:   slug,
		Backtest:  backtest,
		DryRun:    dryRun,
		Status:    RunPending,
		CreatedAt: time.Now(),
	}
	s.runs[run.ID] = run
	s.active[slug] = run.ID
	// Snapshot before the goroutine starts; execute mutates the shared Run.
	snap := *run
	s.mu.Unlock()

	go s.execute(context.WithoutCancel(ctx), run.ID, cfg)

	return &snap, nil
}

// Get retrieves a snapshot of a run by id.
func (s *Service) Get(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	snap := *run
	return &snap, true
}

func (s *Service) execute(ctx context.Context, id string, cfg *product.Config) {
	s.update(id, func(r *Run) { r.Status = RunInProgress })
	start := time.Now()

	L := s.logger.With("run_id", id, "product", cfg.Slug)
	L.Info(ctx, "triage run starting", "backtest", s.snapshot(id).Backtest, "dry_run", s.snapshot(id).DryRun)

	eng := s.engine
	run := s.snapshot(id)
	// Backtest reprocesses already-handled FRs for comparison, so it is
	// always non-mutating regardless of the dry-run flag.
	if run.DryRun || run.Backtest {
		eng = eng.WithStore(store.DryRun(s.engine.store, s.logger))
	}

	result, auditURL, err := s.runPipeline(ctx, eng, cfg, run.Backtest, L)

	s.mu.Lock()
	r := s.runs[id]
	done := time.Now()
	r.CompletedAt = &done
	r.Duration = time.Since(start).Seconds()
	r.AuditURL = auditURL
	if err != nil {
		r.Status = RunFailed
		r.Error = err.Error()
	} else {
		r.Status = RunComplete
		r.Result = result
	}
	delete(s.active, cfg.Slug)
	s.mu.Unlock()

	if err != nil {
		L.Error(ctx, err, "triage run failed")
		if eng.hooks.OnRun != nil {
			eng.hooks.OnRun(&RunEvent{
				Product:  cfg.Slug,
				Outcome:  OutcomeError,
				Duration: time.Since(start).Seconds(),
				DryRun:   run.DryRun,
			})
		}
		return
	}

	if eng.hooks.OnRun != nil {
		eng.hooks.OnRun(&RunEvent{
			Product:        cfg.Slug,
			Outcome:        result.Outcome,
			Status:         result.AuditStatus,
			FRCount:        result.FRCount,
			ErroredBatches: result.ErroredBatches,
			Duration:       time.Since(start).Seconds(),
			DryRun:         run.DryRun,
		})
	}

	L.Info(ctx, "triage run complete",
		"outcome", result.Outcome,
		"audit_status", result.AuditStatus,
		"fr_count", result.FRCount,
		"errored_batches", result.ErroredBatches,
		"duration", time.Since(start).Seconds(),
	)
}

// runPipeline executes one full run: prepare once, process FRs in fixed-size
// batches strictly sequentially with an inter-batch delay, then finalize.
// Only a prepare failure aborts the run.
func (s *Service) runPipeline(ctx context.Context, eng *Engine, cfg *product.Config, backtest bool, L log.Logger) (*TriageResult, string, error) {
	prep, err := eng.Prepare(ctx, cfg, backtest)
	if err != nil {
		eng.notify(ctx, cfg, fmt.Sprintf("Triage run for %s failed during preparation: %v", cfg.Name, err))
		return nil, "", fmt.Errorf("prepare: %w", err)
	}
	if prep == nil {
		L.Info(ctx, "no eligible feature requests, nothing to do")
		eng.notify(ctx, cfg, fmt.Sprintf("Triage run for %s: no eligible feature requests, nothing to do.", cfg.Name))
		return &TriageResult{Outcome: OutcomeNoFRs}, "", nil
	}

	aw := newAuditWriter(eng.store, prep.Audit.ID, s.logger)
	batches := chunkFRs(prep.FRs, cfg.BatchSize)
	L.Info(ctx, "prepared run",
		"fr_count", len(prep.FRs),
		"batches", len(batches),
		"pulse_candidates", len(prep.Pulses),
		"idea_candidates", len(prep.IdeaTitles),
	)

	var results []*FRResult
	erroredBatches := 0
	for i, batch := range batches {
		if i > 0 {
			if err := sleepCtx(ctx, cfg.BatchDelay()); err != nil {
				return nil, prep.Audit.URL, err
			}
		}
		bres, err := s.runBatch(ctx, eng, cfg, prep, batch, aw)
		results = append(results, bres...)
		if err != nil {
			erroredBatches++
			L.Error(ctx, err, "batch failed", "batch", i+1)
			aw.appendf(ctx, "Batch %d/%d failed: %v", i+1, len(batches), err)
			eng.notify(ctx, cfg, fmt.Sprintf("Triage run for %s: batch %d/%d failed: %v", cfg.Name, i+1, len(batches), err))
		}
	}

	status := eng.Finalize(ctx, cfg, prep, results, aw)

	outcome := OutcomeComplete
	if status == store.AuditError || erroredBatches > 0 {
		outcome = OutcomeError
	}
	return &TriageResult{
		FRCount:        len(prep.FRs),
		Outcome:        outcome,
		AuditStatus:    status,
		Results:        results,
		ErroredBatches: erroredBatches,
	}, prep.Audit.URL, nil
}

// runBatch processes one batch of FRs strictly sequentially. A panic outside
// an FR's own containment is caught here and fails only this batch.
func (s *Service) runBatch(ctx context.Context, eng *Engine, cfg *product.Config, prep *PrepResult, batch []store.FeatureRequest, aw *auditWriter) (results []*FRResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	for _, fr := range batch {
		results = append(results, eng.ProcessFR(ctx, cfg, prep, fr, aw))
	}
	return results, nil
}

// chunkFRs splits frs into batches of at most size.
func chunkFRs(frs []store.FeatureRequest, size int) [][]store.FeatureRequest {
	var batches [][]store.FeatureRequest
	for len(frs) > size {
		batches = append(batches, frs[:size])
		frs = frs[size:]
	}
	if len(frs) > 0 {
		batches = append(batches, frs)
	}
	return batches
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) update(id string, fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		fn(r)
	}
}

func (s *Service) snapshot(id string) Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return *r
	}
	return Run{}
}
