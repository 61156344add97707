package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

func newTestService(st store.Client, p *fakeProvider, n Notifier, cfgs ...*product.Config) *Service {
	eng := NewEngine(llm.NewClient(p, log.Nop()), st, n, log.Nop())
	products := make(map[string]*product.Config, len(cfgs))
	for _, c := range cfgs {
		products[c.Slug] = c
	}
	return NewService(products, eng, log.Nop())
}

func waitRun(t *testing.T, s *Service, id string) *Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := s.Get(id); ok && (r.Status == RunComplete || r.Status == RunFailed) {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return nil
}

func TestSubmit_UnknownProduct(t *testing.T) {
	t.Parallel()

	s := newTestService(memstore.New(), newFakeProvider(), nil, testConfig())
	_, err := s.Submit(context.Background(), "nope", false, false)
	if !errors.Is(err, ErrUnknownProduct) {
		t.Fatalf("err = %v, want ErrUnknownProduct", err)
	}
}

func TestSubmit_DedupWhileRunning(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.blockOn = make(chan struct{})
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", `{"matches":[]}`)
	p.script("shortlist", `{"ids":[]}`)
	p.script("summary", `{"summary":"s"}`)

	s := newTestService(st, p, nil, testConfig())

	run, err := s.Submit(context.Background(), "orbit", false, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != RunPending {
		t.Errorf("status = %s, want %s", run.Status, RunPending)
	}

	if _, err := s.Submit(context.Background(), "orbit", false, false); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("second submit err = %v, want ErrRunInProgress", err)
	}

	close(p.blockOn)
	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("final status = %s, want %s (error %q)", final.Status, RunComplete, final.Error)
	}

	// A finished run frees the product for the next submission.
	if _, err := s.Submit(context.Background(), "orbit", false, false); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
}

func TestSubmit_SnapshotIsIndependentOfExecution(t *testing.T) {
	t.Parallel()

	s := newTestService(memstore.New(), newFakeProvider(), nil, testConfig())

	// Repeated submissions overlap the snapshot with the worker's first
	// status write; the race detector flags any sharing of the Run value.
	for i := 0; i < 50; i++ {
		run, err := s.Submit(context.Background(), "orbit", false, false)
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if run.Status != RunPending {
			t.Fatalf("Submit %d: status = %s, want %s", i, run.Status, RunPending)
		}
		waitRun(t, s, run.ID)
		if run.Status != RunPending {
			t.Fatalf("Submit %d: snapshot mutated to %s after run finished", i, run.Status)
		}
	}
}

func TestRun_PendingJSONOmitsCompletion(t *testing.T) {
	t.Parallel()

	s := newTestService(memstore.New(), newFakeProvider(), nil, testConfig())
	run, err := s.Submit(context.Background(), "orbit", false, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b, err := json.Marshal(run)
	if err != nil {
		t.Fatalf("marshal pending run: %v", err)
	}
	if strings.Contains(string(b), "completed_at") {
		t.Errorf("pending run JSON carries completed_at: %s", b)
	}

	final := waitRun(t, s, run.ID)
	if final.CompletedAt == nil {
		t.Fatal("finished run has no completion time")
	}
	b, err = json.Marshal(final)
	if err != nil {
		t.Fatalf("marshal finished run: %v", err)
	}
	if !strings.Contains(string(b), "completed_at") {
		t.Errorf("finished run JSON missing completed_at: %s", b)
	}
}

func TestRun_NoEligibleFRs(t *testing.T) {
	t.Parallel()

	n := &fakeNotifier{}
	cfg := testConfig()
	cfg.NotifyTarget = "#orbit-triage"

	s := newTestService(memstore.New(), newFakeProvider(), n, cfg)
	run, err := s.Submit(context.Background(), "orbit", false, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("status = %s, want %s", final.Status, RunComplete)
	}
	if final.Result == nil || final.Result.Outcome != OutcomeNoFRs {
		t.Fatalf("outcome = %+v, want %s", final.Result, OutcomeNoFRs)
	}

	sends := n.sent()
	if len(sends) != 1 || !strings.Contains(sends[0].text, "nothing to do") {
		t.Errorf("expected a nothing-to-do notification, got %v", sends)
	}
}

func TestRun_ProcessesAllBatches(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	for i := 0; i < 3; i++ {
		st.AddFR("orbit", store.FeatureRequest{
			ID:    fmt.Sprintf("%08d-aaaa-4aaa-8aaa-aaaaaaaaaaaa", i),
			Title: fmt.Sprintf("request %d", i),
		})
	}
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"r"}]}`, pulse1))
	p.script("shortlist", `{"ids":[]}`)
	p.script("summary", `{"summary":"s"}`)

	cfg := testConfig()
	cfg.BatchSize = 1

	s := newTestService(st, p, nil, cfg)
	run, err := s.Submit(context.Background(), "orbit", false, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("status = %s (error %q), want %s", final.Status, final.Error, RunComplete)
	}
	if final.Result.FRCount != 3 {
		t.Errorf("FR count = %d, want 3", final.Result.FRCount)
	}
	if len(final.Result.Results) != 3 {
		t.Errorf("results = %d, want 3", len(final.Result.Results))
	}
	if got := p.callCount("alignment"); got != 3 {
		t.Errorf("alignment calls = %d, want 3 (one per FR)", got)
	}
}

func TestRun_FRFailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	second := "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	st.AddFR("orbit", store.FeatureRequest{ID: frID, Title: "first"})
	st.AddFR("orbit", store.FeatureRequest{ID: second, Title: "second"})
	seedCandidates(st)

	p := newFakeProvider()
	// First FR gets malformed JSON on both attempts; second FR succeeds.
	p.script("alignment", "not json", "not json", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"r"}]}`, pulse1))
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q]}`, idea1))
	p.script("ideas", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"r"}]}`, idea1))
	p.script("summary", `{"summary":"s"}`)

	s := newTestService(st, p, nil, testConfig())
	run, err := s.Submit(context.Background(), "orbit", false, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("status = %s, want %s", final.Status, RunComplete)
	}
	if final.Result.Outcome != OutcomeError {
		t.Errorf("outcome = %s, want %s", final.Result.Outcome, OutcomeError)
	}
	if final.Result.AuditStatus != store.AuditError {
		t.Errorf("audit status = %s, want %s", final.Result.AuditStatus, store.AuditError)
	}
	if len(final.Result.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(final.Result.Results))
	}
	if len(final.Result.Results[0].Errors) == 0 {
		t.Error("first FR should carry the alignment error")
	}
	if len(final.Result.Results[1].Errors) != 0 {
		t.Errorf("second FR should have processed cleanly: %v", final.Result.Results[1].Errors)
	}

	fr, _ := st.FR(second)
	if !fr.Processed {
		t.Error("second FR should be marked processed despite first FR failing")
	}
}

func TestRun_DryRunSuppressesWrites(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"r"}]}`, pulse1))
	p.script("shortlist", `{"ids":[]}`)
	p.script("summary", `{"summary":"s"}`)

	s := newTestService(st, p, nil, testConfig())
	run, err := s.Submit(context.Background(), "orbit", false, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("status = %s (error %q), want %s", final.Status, final.Error, RunComplete)
	}
	if !final.DryRun {
		t.Error("run record should carry the dry-run flag")
	}
	if len(final.Result.Results) != 1 || len(final.Result.Results[0].Pulses.Matches) != 1 {
		t.Fatalf("dry run should still compute matches, got %+v", final.Result.Results)
	}

	// No write reached the real store.
	fr, _ := st.FR(frID)
	if fr.Processed {
		t.Error("dry run must not mark FRs processed")
	}
	if len(fr.PulseRelations) != 0 {
		t.Errorf("dry run must not update relations, got %v", fr.PulseRelations)
	}
}

func TestRun_BacktestIsNonMutating(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"r"}]}`, pulse1))
	p.script("shortlist", `{"ids":[]}`)
	p.script("summary", `{"summary":"s"}`)

	s := newTestService(st, p, nil, testConfig())
	// Backtest submitted without the dry-run flag still suppresses writes.
	run, err := s.Submit(context.Background(), "orbit", true, false)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Status != RunComplete {
		t.Fatalf("status = %s (error %q), want %s", final.Status, final.Error, RunComplete)
	}

	fr, _ := st.FR(frID)
	if fr.Processed {
		t.Error("backtest must not mark FRs processed")
	}
	if len(fr.PulseRelations) != 0 {
		t.Errorf("backtest must not update relations, got %v", fr.PulseRelations)
	}
}

func TestRun_BacktestFlagReachesFilter(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	st.AddFR("orbit", store.FeatureRequest{
		ID:        frID,
		Title:     "Offline mode",
		Processed: true,
		CreatedAt: time.Now().AddDate(0, 0, -1),
	})
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", `{"matches":[]}`)
	p.script("shortlist", `{"ids":[]}`)
	p.script("summary", `{"summary":"s"}`)

	s := newTestService(st, p, nil, testConfig())
	run, err := s.Submit(context.Background(), "orbit", true, true)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	final := waitRun(t, s, run.ID)
	if final.Result == nil || final.Result.FRCount != 1 {
		t.Fatalf("backtest run should reprocess the processed FR, got %+v", final.Result)
	}
}

func TestService_Products(t *testing.T) {
	t.Parallel()

	a := testConfig()
	b := testConfig()
	b.Name, b.Slug = "Comet", "comet"

	s := newTestService(memstore.New(), newFakeProvider(), nil, a, b)
	got := s.Products()
	if len(got) != 2 || got[0] != "comet" || got[1] != "orbit" {
		t.Errorf("Products() = %v, want sorted [comet orbit]", got)
	}
}

func TestChunkFRs(t *testing.T) {
	t.Parallel()

	frs := make([]store.FeatureRequest, 7)
	batches := chunkFRs(frs, 3)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	sizes := []int{len(batches[0]), len(batches[1]), len(batches[2])}
	if sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [3 3 1]", sizes)
	}

	if got := chunkFRs(nil, 3); got != nil {
		t.Errorf("chunkFRs(nil) = %v, want nil", got)
	}
}
