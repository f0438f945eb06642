package tenant

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestLeak_CrossTenantIdentifier(t *testing.T) {
	d := NewLeakDetector(false)
	d.RegisterIdentifier("acme", "acme-cust-0001")
	d.RegisterIdentifier("globex", "globex-cust-0042")

	value := map[string]any{
		"rows": []any{
			map[string]any{"id": "acme-cust-0001"},
			map[string]any{"id": "globex-cust-0042", "note": "owned by globex-cust-0042"},
		},
	}
	r, err := d.Scan("acme", value, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Safe || len(r.Leaks) != 1 {
		t.Fatalf("expected one leak for one distinct identifier, got %+v", r.Leaks)
	}
	for _, l := range r.Leaks {
		if l.Type != LeakCrossTenant || l.LeakedTenant != "globex" {
			t.Fatalf("unexpected leak: %+v", l)
		}
		if strings.Contains(l.ValueHash, "globex") || len(l.ValueHash) != 64 {
			t.Fatalf("expected a sha256 hash, got %q", l.ValueHash)
		}
	}
	l := r.Leaks[0]
	if l.Location != "$.rows[1].id" || len(l.Locations) != 2 || l.Locations[1] != "$.rows[1].note" {
		t.Fatalf("unexpected locations: %+v", l)
	}
	if r.Sanitized {
		t.Fatal("must not sanitize when not asked to")
	}
}

func TestLeak_SanitizeInPlace(t *testing.T) {
	d := NewLeakDetector(true)
	d.RegisterIdentifier("globex", "globex-cust-0042")

	r, err := d.Scan("acme", map[string]any{
		"msg": "contact jane@globex.com about globex-cust-0042",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Safe || !r.Sanitized {
		t.Fatalf("expected sanitized unsafe report, got %+v", r)
	}
	msg := r.Value.(map[string]any)["msg"].(string)
	if msg != "contact [REDACTED:EMAIL] about [REDACTED:CROSS_TENANT]" {
		t.Fatalf("unexpected sanitized value: %q", msg)
	}
}

func TestLeak_OwnIdentifierIsSafe(t *testing.T) {
	d := NewLeakDetector(true)
	d.RegisterIdentifier("acme", "acme-cust-0001")
	r, err := d.Scan("acme", map[string]any{"id": "acme-cust-0001", "n": 3}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Safe || r.Sanitized {
		t.Fatalf("expected safe report, got %+v", r)
	}
}

func TestLeak_StructValuesAreNormalized(t *testing.T) {
	type row struct {
		Owner string `json:"owner"`
	}
	d := NewLeakDetector(false)
	d.RegisterIdentifier("globex", "globex-9")
	r, err := d.Scan("acme", []row{{Owner: "globex-9"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Leaks) != 1 || r.Leaks[0].Location != "$[0].owner" {
		t.Fatalf("unexpected leaks: %+v", r.Leaks)
	}
}

func TestLeak_PIIIgnoresTokens(t *testing.T) {
	d := NewLeakDetector(true)
	r, _ := d.Scan("acme", "sent to <<PII:EMAIL:0123456789abcdef>>", true)
	if !r.Safe {
		t.Fatalf("tokens must not count as leaks: %+v", r.Leaks)
	}
}

func TestLeak_MapKeysScannedAndSanitized(t *testing.T) {
	d := NewLeakDetector(false)
	d.RegisterIdentifier("tenant-b", "DOC-B-12345")

	value := map[string]any{"DOC-B-12345": map[string]any{"title": "x"}}
	r, err := d.Scan("tenant-a", value, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Safe || len(r.Leaks) != 1 || r.Leaks[0].LeakedTenant != "tenant-b" {
		t.Fatalf("expected one leak from the key, got %+v", r.Leaks)
	}
	if r.Leaks[0].Location != "$.DOC-B-12345#key" {
		t.Fatalf("unexpected location %q", r.Leaks[0].Location)
	}
	out := r.Value.(map[string]any)
	if _, ok := out["DOC-B-12345"]; ok {
		t.Fatalf("identifier survived as a key: %v", out)
	}
	inner, ok := out["[REDACTED:CROSS_TENANT]"].(map[string]any)
	if !ok || inner["title"] != "x" {
		t.Fatalf("expected value kept under the redacted key, got %v", out)
	}
}

func TestLeak_RedactedKeyCollisionsAreDeterministic(t *testing.T) {
	d := NewLeakDetector(false)
	d.RegisterIdentifier("globex", "globex-a1")
	d.RegisterIdentifier("globex", "globex-b2")

	value := map[string]any{
		"globex-a1":               1,
		"globex-b2":               2,
		"[REDACTED:CROSS_TENANT]": 0,
	}
	for range 5 {
		r, err := d.Scan("acme", value, true)
		if err != nil {
			t.Fatal(err)
		}
		out := r.Value.(map[string]any)
		if len(out) != 3 {
			t.Fatalf("keys were lost: %v", out)
		}
		if out["[REDACTED:CROSS_TENANT]"] != json.Number("0") ||
			out["[REDACTED:CROSS_TENANT]#2"] != json.Number("1") ||
			out["[REDACTED:CROSS_TENANT]#3"] != json.Number("2") {
			t.Fatalf("unexpected key assignment: %v", out)
		}
	}
}

func TestLeak_LargeIntegersSurvive(t *testing.T) {
	d := NewLeakDetector(true)
	r, err := d.Scan("acme", map[string]any{"id": int64(9007199254740993)}, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"id":9007199254740993}` {
		t.Fatalf("integer was corrupted: %s", b)
	}
}

// K distinct foreign identifiers yield exactly K leaks however often each
// repeats, and none survives sanitizing in a key or a value.
func TestProperty_LeakCompleteness(t *testing.T) {
	ids := []string{"GLOBEX-ID-0", "GLOBEX-ID-1", "GLOBEX-ID-2", "GLOBEX-ID-3", "GLOBEX-ID-4"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("one leak per distinct identifier", prop.ForAll(
		func(fillers []string, picks []uint8) bool {
			d := NewLeakDetector(false)
			for _, id := range ids {
				d.RegisterIdentifier("globex", id)
			}

			items := make([]any, 0, len(fillers))
			distinct := map[string]bool{}
			for i, f := range fillers {
				s := strings.ToLower(f)
				if i >= len(picks) || int(picks[i]%8) >= len(ids) {
					items = append(items, map[string]any{"v": s})
					continue
				}
				id := ids[picks[i]%8]
				distinct[id] = true
				if picks[i] >= 128 {
					items = append(items, map[string]any{s + id: "v"})
				} else {
					items = append(items, map[string]any{"v": s + " " + id + " " + s})
				}
			}
			r, err := d.Scan("acme", map[string]any{"items": items}, true)
			if err != nil {
				return false
			}
			if len(r.Leaks) != len(distinct) {
				return false
			}
			if len(distinct) == 0 {
				return true
			}
			b, err := json.Marshal(r.Value)
			if err != nil {
				return false
			}
			return !strings.Contains(string(b), "GLOBEX-ID-")
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
