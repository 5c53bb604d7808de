package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawinfra/banditclaw/internal/telemetry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "banditclaw.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInvocation(variant string, success bool, ts time.Time) telemetry.InvocationRecord {
	return telemetry.InvocationRecord{
		Agent:      "coder",
		TaskType:   "api-design",
		VariantID:  variant,
		Success:    success,
		Reward:     0.7,
		DurationMs: 900,
		Timestamp:  ts,
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 30; i++ {
		rec := testInvocation("v1", i%2 == 0, base.Add(time.Duration(i)*time.Second))
		if err := s.AppendInvocation(ctx, rec); err != nil {
			t.Fatalf("AppendInvocation: %v", err)
		}
	}

	n, err := s.InvocationCount(ctx, "coder", "api-design")
	if err != nil {
		t.Fatal(err)
	}
	if n != 30 {
		t.Errorf("count = %d, want 30", n)
	}

	recent, err := s.RecentInvocations(ctx, "coder", "api-design", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 10 {
		t.Fatalf("got %d recent, want 10", len(recent))
	}
	// Newest first.
	if !recent[0].Timestamp.After(recent[9].Timestamp) {
		t.Error("recent invocations must be newest first")
	}
}

func TestAppendInvocationRejectsMalformed(t *testing.T) {
	s := testStore(t)
	rec := testInvocation("v1", true, time.Now())
	rec.Agent = ""
	if err := s.AppendInvocation(context.Background(), rec); err == nil {
		t.Error("expected validation error")
	}
}

func TestScopes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recs := []telemetry.InvocationRecord{
		testInvocation("v1", true, time.Now()),
		testInvocation("v1", true, time.Now()),
	}
	recs[1].TaskType = "frontend"
	for _, r := range recs {
		_ = s.AppendInvocation(ctx, r)
	}

	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 {
		t.Errorf("got %d scopes, want 2", len(scopes))
	}
}

func TestRollbackEventAppendOnlyAndIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	ev := RollbackEvent{
		ID:          "rb_1",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		Agent:       "coder",
		TaskType:    "api-design",
		FromVariant: "v2",
		ToVariant:   "v1",
		Reason:      "success rate dropped 15 points",
		Metrics: DegradationMetrics{
			BaselineSuccessRate: 0.9,
			RecentSuccessRate:   0.75,
			BaselineCount:       100,
			RecentCount:         20,
		},
		Fingerprint: "fp-abc",
	}

	ok, err := s.AppendRollbackEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first append must succeed")
	}

	// Same fingerprint (re-analysis of unchanged window): no duplicate.
	ev.ID = "rb_2"
	ok, err = s.AppendRollbackEvent(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate fingerprint must not append")
	}

	events, err := s.RollbackEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	got := events[0]
	if got.Metrics.RecentSuccessRate != 0.75 || got.Metrics.BaselineSuccessRate != 0.9 {
		t.Errorf("metrics snapshot mismatch: %+v", got.Metrics)
	}
}

func TestLastRollbackEvent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	got, err := s.LastRollbackEvent(ctx, "coder", "api-design")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected nil for no events")
	}

	for i, fp := range []string{"fp1", "fp2"} {
		_, err := s.AppendRollbackEvent(ctx, RollbackEvent{
			ID:          "rb_" + fp,
			Timestamp:   time.Now().Add(time.Duration(i) * time.Hour),
			Agent:       "coder",
			TaskType:    "api-design",
			FromVariant: "a",
			ToVariant:   "b",
			Reason:      "r",
			Fingerprint: fp,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err = s.LastRollbackEvent(ctx, "coder", "api-design")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Fingerprint != "fp2" {
		t.Errorf("last event = %+v, want fp2", got)
	}
}

func TestProposalLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := Proposal{
		ID:          "prop_1",
		Timestamp:   time.Now(),
		Agent:       "coder",
		TaskType:    "api-design",
		Type:        "mutate",
		Reasoning:   "variant v1 stuck below 0.6",
		Confidence:  0.7,
		Variant:     json.RawMessage(`{"id":"v1-m1"}`),
		Status:      ProposalPending,
		Fingerprint: "pfp-1",
	}

	ok, err := s.InsertProposal(ctx, p)
	if err != nil || !ok {
		t.Fatalf("InsertProposal: ok=%v err=%v", ok, err)
	}

	// Duplicate fingerprint is a silent no-op (idempotent re-run).
	p.ID = "prop_2"
	ok, err = s.InsertProposal(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate fingerprint must not insert")
	}

	pending, err := s.Proposals(ctx, ProposalPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	if err := s.ReviewProposal(ctx, "prop_1", ProposalApproved); err != nil {
		t.Fatal(err)
	}
	// Second review of the same proposal fails: no longer pending.
	if err := s.ReviewProposal(ctx, "prop_1", ProposalRejected); err == nil {
		t.Error("reviewing a non-pending proposal must fail")
	}
	// Invalid outcome.
	if err := s.ReviewProposal(ctx, "prop_1", ProposalPending); err == nil {
		t.Error("review outcome must be approved or rejected")
	}

	got, err := s.GetProposal(ctx, "prop_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ProposalApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
}

func TestVariantDocsUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveVariantDoc(ctx, "v1", "coder", "", "candidate", []byte(`{"id":"v1"}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVariantDoc(ctx, "v1", "coder", "", "active", []byte(`{"id":"v1","status":"active"}`)); err != nil {
		t.Fatal(err)
	}

	docs, err := s.VariantDocs(ctx, "coder")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1 (upsert)", len(docs))
	}
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(docs[0], &v); err != nil {
		t.Fatal(err)
	}
	if v.Status != "active" {
		t.Errorf("doc status = %q, want active", v.Status)
	}
}
