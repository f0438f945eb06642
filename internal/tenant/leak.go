package tenant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/privacy"
)

// LeakCrossTenant is the leak type for another tenant's identifier.
// PII leaks use the privacy pattern name.
const LeakCrossTenant = "cross_tenant"

// Leak is one distinct leaked value. Location is where it first appears;
// Locations lists every occurrence, each of which is redacted when
// sanitizing.
type Leak struct {
	Type         string   `json:"type"`
	Location     string   `json:"location"`
	Locations    []string `json:"locations"`
	LeakedTenant string   `json:"leaked_tenant,omitempty"`
	ValueHash    string   `json:"value_hash"`
}

// LeakReport is the result of Scan. Value is the sanitized copy when
// sanitizing was requested, otherwise the normalized input.
type LeakReport struct {
	Safe      bool   `json:"safe"`
	Leaks     []Leak `json:"leaks"`
	Sanitized bool   `json:"sanitized"`
	Value     any    `json:"-"`
}

// piiLeakTypes are the privacy patterns that count as a leak in a tool
// response. Key-shaped strings are excluded because tools legitimately
// return resource ids of that shape.
var piiLeakTypes = map[string]bool{
	"email":       true,
	"phone":       true,
	"ssn":         true,
	"credit_card": true,
}

// LeakDetector finds other tenants' identifiers and PII in tool results.
type LeakDetector struct {
	patterns []privacy.Pattern
	scanPII  bool

	mu  sync.RWMutex
	ids map[string]string // identifier -> owning tenant
}

// NewLeakDetector creates a detector. With scanPII false only cross-tenant
// identifiers are reported.
func NewLeakDetector(scanPII bool) *LeakDetector {
	var pats []privacy.Pattern
	for _, p := range privacy.DefaultPatterns {
		if piiLeakTypes[p.Name] {
			pats = append(pats, p)
		}
	}
	return &LeakDetector{patterns: pats, scanPII: scanPII, ids: make(map[string]string)}
}

// RegisterIdentifier records id as belonging to tenant. Identifiers shorter
// than four characters are ignored to avoid matching ordinary words.
func (d *LeakDetector) RegisterIdentifier(tenant, id string) {
	if len(id) < 4 {
		return
	}
	d.mu.Lock()
	d.ids[id] = tenant
	d.mu.Unlock()
}

type idEntry struct {
	id     string
	tenant string
}

// foreignIDs returns identifiers owned by tenants other than tenant,
// longest first so that nested identifiers resolve to the outer one.
func (d *LeakDetector) foreignIDs(tenant string) []idEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []idEntry
	for id, owner := range d.ids {
		if owner != tenant {
			out = append(out, idEntry{id: id, tenant: owner})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].id) != len(out[j].id) {
			return len(out[i].id) > len(out[j].id)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Scan walks value for leaks visible to tenant, including inside map
// keys. The value is normalized to its JSON form first. With autoSanitize
// every leaked substring is replaced with [REDACTED:<TYPE>] in the
// returned copy.
func (d *LeakDetector) Scan(tenant string, value any, autoSanitize bool) (LeakReport, error) {
	norm, err := normalize(value)
	if err != nil {
		return LeakReport{}, fmt.Errorf("Scan: %w", err)
	}

	s := &leakScan{
		d:        d,
		foreign:  d.foreignIDs(tenant),
		sanitize: autoSanitize,
		index:    make(map[string]int),
	}
	out := s.walk("$", norm)

	report := LeakReport{Safe: len(s.leaks) == 0, Leaks: s.leaks, Value: norm}
	if report.Leaks == nil {
		report.Leaks = []Leak{}
	}
	if autoSanitize && !report.Safe {
		report.Sanitized = true
		report.Value = out
	}
	return report, nil
}

type leakScan struct {
	d        *LeakDetector
	foreign  []idEntry
	sanitize bool
	leaks    []Leak
	index    map[string]int // type + value hash -> position in leaks
}

func (s *leakScan) walk(path string, v any) any {
	switch x := v.(type) {
	case string:
		return s.scanString(path, x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		// Unchanged keys are placed first so a redacted key never
		// displaces one that was already clean.
		out := make(map[string]any, len(x))
		renamed := make(map[string]string)
		for _, k := range keys {
			if clean := s.scanString(privacy.KeyPath(path, k)+"#key", k); clean != k {
				renamed[k] = clean
				continue
			}
			out[k] = s.walk(privacy.KeyPath(path, k), x[k])
		}
		for _, k := range keys {
			clean, ok := renamed[k]
			if !ok {
				continue
			}
			name := clean
			for n := 2; ; n++ {
				if _, taken := out[name]; !taken {
					break
				}
				name = fmt.Sprintf("%s#%d", clean, n)
			}
			out[name] = s.walk(privacy.KeyPath(path, k), x[k])
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = s.walk(privacy.IndexPath(path, i), val)
		}
		return out
	default:
		return v
	}
}

// record adds an occurrence, merging it into the existing leak for the
// same value.
func (s *leakScan) record(typ, path, tenant, value string) {
	hash := canonical.SHA256Hex([]byte(value))
	key := typ + "\x00" + hash
	if i, ok := s.index[key]; ok {
		s.leaks[i].Locations = append(s.leaks[i].Locations, path)
		return
	}
	s.index[key] = len(s.leaks)
	s.leaks = append(s.leaks, Leak{
		Type:         typ,
		Location:     path,
		Locations:    []string{path},
		LeakedTenant: tenant,
		ValueHash:    hash,
	})
}

func (s *leakScan) scanString(path, str string) string {
	var matches []privacy.Match
	for _, e := range s.foreign {
		for off := 0; ; {
			i := strings.Index(str[off:], e.id)
			if i < 0 {
				break
			}
			start := off + i
			off = start + len(e.id)
			m := privacy.Match{Pattern: LeakCrossTenant, Start: start, End: off, Value: e.id}
			if overlaps(m, matches) {
				continue
			}
			matches = append(matches, m)
			s.record(LeakCrossTenant, path, e.tenant, e.id)
		}
	}
	if s.d.scanPII {
		for _, m := range privacy.FindMatches(str, s.d.patterns) {
			if overlaps(m, matches) {
				continue
			}
			matches = append(matches, m)
			s.record(m.Pattern, path, "", m.Value)
		}
	}
	if !s.sanitize || len(matches) == 0 {
		return str
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return privacy.Replace(str, matches, func(m privacy.Match) string {
		return "[REDACTED:" + strings.ToUpper(m.Pattern) + "]"
	})
}

func overlaps(m privacy.Match, others []privacy.Match) bool {
	for _, o := range others {
		if m.Start < o.End && o.Start < m.End {
			return true
		}
	}
	return false
}

// normalize converts v to the generic JSON shape (maps, slices, strings,
// json.Number, bool, nil). Numbers stay json.Number so integers beyond
// 2^53 survive the round trip.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, json.Number:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
