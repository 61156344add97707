package triage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/product"
	"github.com/linnemanlabs/sift/internal/store"
	"github.com/linnemanlabs/sift/internal/store/memstore"
)

const (
	frID   = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	pulse1 = "11111111-1111-4111-8111-111111111111"
	pulse2 = "22222222-2222-4222-8222-222222222222"
	idea1  = "33333333-3333-4333-8333-333333333333"
	idea2  = "44444444-4444-4444-8444-444444444444"
)

// fakeProvider serves scripted responses keyed by pipeline stage, recognized
// from the stage's system prompt. Responses pop off a per-stage queue; the
// last one repeats, so a single entry serves any number of FRs.
type fakeProvider struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	calls     map[string]int
	blockOn   chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		responses: make(map[string][]string),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (p *fakeProvider) script(stage string, responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[stage] = append(p.responses[stage], responses...)
}

func (p *fakeProvider) fail(stage string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[stage] = err
}

func (p *fakeProvider) callCount(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(_ context.Context, system, _ string) (string, error) {
	if p.blockOn != nil {
		<-p.blockOn
	}
	stage := classifyPrompt(system)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[stage]++
	if err := p.errs[stage]; err != nil {
		return "", err
	}
	q := p.responses[stage]
	if len(q) == 0 {
		return "", fmt.Errorf("fakeProvider: no scripted response for stage %q", stage)
	}
	resp := q[0]
	if len(q) > 1 {
		p.responses[stage] = q[1:]
	}
	return resp, nil
}

func classifyPrompt(system string) string {
	switch {
	case strings.Contains(system, "whether a user-submitted feature request belongs"):
		return "alignment"
	case strings.Contains(system, "strategic themes"):
		return "pulses"
	case strings.Contains(system, "shortlisted backlog items"):
		return "ideas"
	case strings.Contains(system, "shortlist"):
		return "shortlist"
	case strings.Contains(system, "Summarize the triage run"):
		return "summary"
	default:
		return "unknown"
	}
}

func alignJSON(verdict string, conf float64) string {
	return fmt.Sprintf(`{"verdict":%q,"confidence":%v,"suggested_product":"","reason":"scripted"}`, verdict, conf)
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func testConfig() *product.Config {
	return &product.Config{
		Name:         "Orbit",
		Slug:         "orbit",
		Description:  "Orbit is a scheduling product for field service teams.",
		Pulses:       product.StageConfig{Threshold: floatPtr(0.7)},
		Ideas:        product.StageConfig{Threshold: floatPtr(0.7)},
		BatchSize:    25,
		BacktestDays: 7,
	}
}

func seedFR(st *memstore.Store) {
	st.AddFR("orbit", store.FeatureRequest{ID: frID, Title: "Offline mode", Content: "Please let technicians work offline."})
}

func seedCandidates(st *memstore.Store) {
	st.AddPulse("orbit", store.PulseItem{ID: pulse1, Title: "Field reliability", Content: "Work anywhere."})
	st.AddPulse("orbit", store.PulseItem{ID: pulse2, Title: "Mobile first", Content: "Phone-native workflows."})
	st.AddIdea("orbit", idea1, "Offline sync", "Sync job data when connectivity returns.")
	st.AddIdea("orbit", idea2, "Dark mode", "Dark theme for the mobile app.")
}

// testRun prepares a run over the seeded store and processes the single FR.
func testRun(t *testing.T, st store.Client, cfg *product.Config, p *fakeProvider) (*FRResult, *PrepResult, *auditWriter) {
	t.Helper()
	eng := NewEngine(llm.NewClient(p, log.Nop()), st, nil, log.Nop())
	prep, err := eng.Prepare(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if prep == nil {
		t.Fatal("Prepare returned nil, expected eligible FRs")
	}
	aw := newAuditWriter(st, prep.Audit.ID, log.Nop())
	res := eng.ProcessFR(context.Background(), cfg, prep, prep.FRs[0], aw)
	return res, prep, aw
}

func auditContains(t *testing.T, entries []string, want string) {
	t.Helper()
	for _, e := range entries {
		if strings.Contains(e, want) {
			return
		}
	}
	t.Errorf("audit trail missing entry containing %q:\n%s", want, strings.Join(entries, "\n"))
}

func TestProcessFR_MatchesMergeRelations(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	existing := "99999999-9999-4999-8999-999999999999"
	st.AddFR("orbit", store.FeatureRequest{ID: frID, Title: "Offline mode", Content: "x", PulseRelations: []string{existing}})
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.95))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"fits"}]}`, pulse1))
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q]}`, idea1))
	p.script("ideas", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.9,"reason":"same need"}]}`, idea1))

	res, _, _ := testRun(t, st, testConfig(), p)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if !res.Belongs {
		t.Error("expected FR to belong to product")
	}
	if got := len(res.Pulses.Matches); got != 1 {
		t.Fatalf("pulse matches = %d, want 1", got)
	}
	if got := len(res.Ideas.Matches); got != 1 {
		t.Fatalf("idea matches = %d, want 1", got)
	}

	fr, ok := st.FR(frID)
	if !ok {
		t.Fatal("FR vanished from store")
	}
	if len(fr.PulseRelations) != 2 || fr.PulseRelations[0] != existing || fr.PulseRelations[1] != pulse1 {
		t.Errorf("pulse relations = %v, want existing-before-new [%s %s]", fr.PulseRelations, existing, pulse1)
	}
	if len(fr.IdeaRelations) != 1 || fr.IdeaRelations[0] != idea1 {
		t.Errorf("idea relations = %v, want [%s]", fr.IdeaRelations, idea1)
	}
	if !fr.Processed {
		t.Error("expected FR marked processed")
	}
}

func TestProcessFR_TwoPulsesNoIdeas(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"a"},{"id":%q,"confidence":0.75,"reason":"b"}]}`, pulse1, pulse2))
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q]}`, idea1))
	p.script("ideas", `{"matches":[]}`)

	res, prep, _ := testRun(t, st, testConfig(), p)

	if got := len(res.Pulses.Matches); got != 2 {
		t.Fatalf("pulse matches = %d, want 2", got)
	}
	if got := len(res.Ideas.Matches); got != 0 {
		t.Fatalf("idea matches = %d, want 0", got)
	}

	entries := st.AuditEntries(prep.Audit.ID)
	auditContains(t, entries, "matched pulse "+pulse1)
	auditContains(t, entries, "matched pulse "+pulse2)
	auditContains(t, entries, "no idea match")

	status, _ := runStatus([]*FRResult{res})
	if status != store.AuditNeedsAttention {
		t.Errorf("run status = %s, want %s", status, store.AuditNeedsAttention)
	}
}

func TestProcessFR_MisalignedSkipsMatching(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", `{"verdict":"other","confidence":0.85,"suggested_product":"Comet","reason":"belongs elsewhere"}`)

	res, prep, _ := testRun(t, st, testConfig(), p)

	if res.Belongs {
		t.Error("expected FR not to belong")
	}
	if res.Alignment.Verdict != VerdictOther {
		t.Errorf("verdict = %s, want %s", res.Alignment.Verdict, VerdictOther)
	}
	if res.Alignment.SuggestedProduct != "Comet" {
		t.Errorf("suggested product = %q, want Comet", res.Alignment.SuggestedProduct)
	}
	if res.Pulses.Skipped != SkipMisaligned || res.Ideas.Skipped != SkipMisaligned {
		t.Errorf("skip reasons = %q/%q, want misaligned for both", res.Pulses.Skipped, res.Ideas.Skipped)
	}
	if p.callCount("pulses") != 0 || p.callCount("shortlist") != 0 {
		t.Error("matching stages called despite misalignment")
	}

	entries := st.AuditEntries(prep.Audit.ID)
	auditContains(t, entries, "pulse matching skipped")
	auditContains(t, entries, "idea matching skipped")
	auditContains(t, entries, "suggested product: Comet")

	status, _ := runStatus([]*FRResult{res})
	if status != store.AuditNeedsAttention {
		t.Errorf("run status = %s, want %s", status, store.AuditNeedsAttention)
	}
}

func TestProcessFR_HallucinatedIDFiltered(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":"1111-invalid","confidence":0.9,"reason":"x"},{"id":%q,"confidence":0.8,"reason":"y"}]}`, pulse1))
	p.script("shortlist", `{"ids":[]}`)

	res, prep, _ := testRun(t, st, testConfig(), p)

	if got := len(res.Pulses.Matches); got != 1 {
		t.Fatalf("pulse matches = %d, want 1", got)
	}
	if res.Pulses.Matches[0].ID != pulse1 {
		t.Errorf("match id = %s, want %s", res.Pulses.Matches[0].ID, pulse1)
	}

	fr, _ := st.FR(frID)
	for _, id := range fr.PulseRelations {
		if id == "1111-invalid" {
			t.Error("hallucinated id reached the persisted relation update")
		}
	}
	auditContains(t, st.AuditEntries(prep.Audit.ID), "not in the candidate set")
}

func TestProcessFR_MalformedJSONTwiceFailsStage(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", "this is not json")

	res, _, _ := testRun(t, st, testConfig(), p)

	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want exactly one alignment error", res.Errors)
	}
	if !strings.Contains(res.Errors[0], "alignment") {
		t.Errorf("error %q does not name the alignment stage", res.Errors[0])
	}
	if got := p.callCount("alignment"); got != 2 {
		t.Errorf("alignment calls = %d, want 2 (original plus one retry)", got)
	}
	if p.callCount("pulses") != 0 {
		t.Error("pulse stage ran after alignment failure")
	}

	fr, _ := st.FR(frID)
	if fr.Processed {
		t.Error("errored FR must not be marked processed")
	}

	status, notes := runStatus([]*FRResult{res})
	if status != store.AuditError {
		t.Errorf("run status = %s, want %s", status, store.AuditError)
	}
	if !strings.Contains(notes, frID) {
		t.Errorf("error notes %q do not name the FR", notes)
	}
}

func TestProcessFR_ConfidenceBoundary(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	// pulse1 exactly at the threshold, pulse2 strictly below.
	p.script("pulses", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.7,"reason":"at"},{"id":%q,"confidence":0.69,"reason":"below"}]}`, pulse1, pulse2))
	p.script("shortlist", `{"ids":[]}`)

	res, _, _ := testRun(t, st, testConfig(), p)

	if got := len(res.Pulses.Matches); got != 1 {
		t.Fatalf("pulse matches = %d, want 1", got)
	}
	if res.Pulses.Matches[0].ID != pulse1 {
		t.Errorf("retained match = %s, want the at-threshold candidate %s", res.Pulses.Matches[0].ID, pulse1)
	}
}

func TestProcessFR_StageDisabled(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	cfg := testConfig()
	cfg.Pulses.Enabled = boolPtr(false)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q]}`, idea1))
	p.script("ideas", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"z"}]}`, idea1))

	res, _, _ := testRun(t, st, cfg, p)

	if res.Pulses.Skipped != SkipDisabled {
		t.Errorf("pulse skip = %q, want %q", res.Pulses.Skipped, SkipDisabled)
	}
	if p.callCount("pulses") != 0 {
		t.Error("disabled pulse stage was called")
	}
	if len(res.Ideas.Matches) != 1 {
		t.Errorf("idea matches = %d, want 1", len(res.Ideas.Matches))
	}

	// A disabled stage is the product owner's choice, not an attention
	// trigger.
	status, _ := runStatus([]*FRResult{res})
	if status != store.AuditComplete {
		t.Errorf("run status = %s, want %s", status, store.AuditComplete)
	}
}

// failingContentStore fails GetContent for one id, simulating a best-effort
// enrichment miss.
type failingContentStore struct {
	*memstore.Store
	failID string
}

func (f *failingContentStore) GetContent(ctx context.Context, id string) (string, error) {
	if id == f.failID {
		return "", fmt.Errorf("content service unavailable")
	}
	return f.Store.GetContent(ctx, id)
}

func TestProcessFR_IdeaContentFetchBestEffort(t *testing.T) {
	t.Parallel()

	mem := memstore.New()
	seedFR(mem)
	seedCandidates(mem)
	st := &failingContentStore{Store: mem, failID: idea2}

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", `{"matches":[]}`)
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q,%q]}`, idea1, idea2))
	p.script("ideas", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.8,"reason":"ok"}]}`, idea1))

	res, _, _ := testRun(t, st, testConfig(), p)

	if len(res.Errors) != 0 {
		t.Fatalf("a single content fetch failure must not fail the stage: %v", res.Errors)
	}
	if len(res.Ideas.Matches) != 1 || res.Ideas.Matches[0].ID != idea1 {
		t.Errorf("idea matches = %v, want only %s", res.Ideas.Matches, idea1)
	}
}

func TestProcessFR_IdeaMatchOutsideShortlistDropped(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	p.script("alignment", alignJSON("Orbit", 0.9))
	p.script("pulses", `{"matches":[]}`)
	p.script("shortlist", fmt.Sprintf(`{"ids":[%q]}`, idea1))
	// idea2 exists in the candidate universe but was not shortlisted.
	p.script("ideas", fmt.Sprintf(`{"matches":[{"id":%q,"confidence":0.9,"reason":"a"},{"id":%q,"confidence":0.9,"reason":"b"}]}`, idea1, idea2))

	res, _, _ := testRun(t, st, testConfig(), p)

	if len(res.Ideas.Matches) != 1 || res.Ideas.Matches[0].ID != idea1 {
		t.Errorf("idea matches = %v, want only the shortlisted %s", res.Ideas.Matches, idea1)
	}
}

func TestProcessFR_SchemaCorrectionRetrySucceeds(t *testing.T) {
	t.Parallel()

	st := memstore.New()
	seedFR(st)
	seedCandidates(st)

	p := newFakeProvider()
	// First response invalid (empty verdict), corrected on retry.
	p.script("alignment", `{"verdict":"","confidence":0.9,"reason":"r"}`, alignJSON("Orbit", 0.9))
	p.script("pulses", `{"matches":[]}`)
	p.script("shortlist", `{"ids":[]}`)

	res, _, _ := testRun(t, st, testConfig(), p)

	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if got := p.callCount("alignment"); got != 2 {
		t.Errorf("alignment calls = %d, want 2", got)
	}
	if !res.Belongs {
		t.Error("expected corrected verdict to parse as belongs")
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BelongsAliases = []string{"The Orbit App"}

	cases := []struct {
		raw  string
		want Verdict
	}{
		{"Orbit", VerdictBelongs},
		{"orbit", VerdictBelongs},
		{"  BELONGS  ", VerdictBelongs},
		{"home", VerdictBelongs},
		{"the orbit app", VerdictBelongs},
		{"uncertain", VerdictUncertain},
		{"Unsure", VerdictUncertain},
		{"other", VerdictOther},
		{"not this product", VerdictOther},
		{"Comet", VerdictUnknown},
		{"", VerdictUnknown},
	}
	for _, tc := range cases {
		if got := ParseVerdict(tc.raw, cfg); got != tc.want {
			t.Errorf("ParseVerdict(%q) = %s, want %s", tc.raw, got, tc.want)
		}
	}
}
