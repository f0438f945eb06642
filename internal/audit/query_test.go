package audit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestQuery_Filters(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := newStore(t, Config{Now: clock.Now})

	s.Log(EventRequestDenied, "alice", OutcomeDenied, nil, Options{TenantID: "t1", Tags: []string{"RATE_LIMITED"}})
	clock.Advance(time.Minute)
	s.Log(EventRiskAssessed, "alice", OutcomeSuccess, nil, Options{TenantID: "t1", RiskLevel: "high", Tags: []string{"risk", "prod"}})
	clock.Advance(time.Minute)
	s.Log(EventToolExecuted, "bob", OutcomeSuccess, nil, Options{TenantID: "t2", RiskLevel: "low"})

	cases := []struct {
		name string
		q    Query
		want int
	}{
		{"all", Query{}, 3},
		{"by type", Query{EventTypes: []string{EventRiskAssessed, EventToolExecuted}}, 2},
		{"by actor", Query{Actor: "alice"}, 2},
		{"by tenant", Query{TenantID: "t2"}, 1},
		{"by outcome", Query{Outcome: OutcomeDenied}, 1},
		{"by risk level", Query{RiskLevel: "high"}, 1},
		{"by tags", Query{Tags: []string{"risk", "prod"}}, 1},
		{"missing tag", Query{Tags: []string{"risk", "dev"}}, 0},
		{"from", Query{From: clock.t.Add(-30 * time.Second)}, 1},
		{"to", Query{To: clock.t.Add(-90 * time.Second)}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.Query(tc.q).Total; got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestQuery_Paginates(t *testing.T) {
	s := newStore(t, Config{})
	logN(t, s, 7)

	p := s.Query(Query{Page: 2, PageSize: 3})
	if p.Total != 7 || len(p.Entries) != 3 || p.Entries[0].Sequence != 4 {
		t.Fatalf("unexpected page: total=%d len=%d", p.Total, len(p.Entries))
	}
	last := s.Query(Query{Page: 3, PageSize: 3})
	if len(last.Entries) != 1 || last.Entries[0].Sequence != 7 {
		t.Fatalf("unexpected last page: %d", len(last.Entries))
	}
	if beyond := s.Query(Query{Page: 9, PageSize: 3}); len(beyond.Entries) != 0 {
		t.Fatal("page past the end should be empty")
	}
}

func TestStats(t *testing.T) {
	s := newStore(t, Config{})
	s.Log(EventRequestDenied, "a", OutcomeDenied, nil, Options{})
	s.Log(EventRequestDenied, "a", OutcomeDenied, nil, Options{})
	s.Log(EventToolExecuted, "a", OutcomeSuccess, nil, Options{})

	st := s.Stats()
	if st.Total != 3 || st.ByType[EventRequestDenied] != 2 || st.ByOutcome["success"] != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if !st.ChainValid {
		t.Fatalf("chain should be valid: %s", st.ChainError)
	}

	s.entries[0].Actor = "mallory"
	if st := s.Stats(); st.ChainValid || st.ChainError == "" {
		t.Fatal("stats should report the broken chain")
	}
}

func TestExport_RoundTripsAndDetectsTampering(t *testing.T) {
	s := newStore(t, Config{MaxEntries: 4})
	logN(t, s, 6)

	data, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if len(b.Entries) != 4 || b.Anchor != s.Anchor() {
		t.Fatalf("unexpected bundle: %d entries", len(b.Entries))
	}
	if err := b.Verify(testKey); err != nil {
		t.Fatalf("exported chain should verify offline: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	raw["entries"].([]any)[3].(map[string]any)["actor"] = "mallory"
	tampered, _ := json.Marshal(raw)
	tb, err := ParseBundle(tampered)
	if err != nil {
		t.Fatal(err)
	}
	var ce *ChainError
	if err := tb.Verify(testKey); !errors.As(err, &ce) || ce.Index != 3 {
		t.Fatalf("expected failure at index 3, got %v", err)
	}
}
