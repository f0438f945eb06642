package audit

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

const (
	defaultPageSize = 50
	maxPageSize     = 1000
)

// Query filters retained entries. Zero fields match everything; Tags must
// all be present on an entry.
type Query struct {
	From       time.Time
	To         time.Time
	EventTypes []string
	Actor      string
	TenantID   string
	Outcome    Outcome
	RiskLevel  string
	Tags       []string
	Page       int // 1-based
	PageSize   int
}

func (q Query) matches(e *Entry) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, e.EventType) {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if q.RiskLevel != "" && e.RiskLevel != q.RiskLevel {
		return false
	}
	for _, t := range q.Tags {
		if !e.HasTag(t) {
			return false
		}
	}
	return true
}

// Page is one page of query results, newest entries last.
type Page struct {
	Entries  []*Entry `json:"entries"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}

// Query returns copies of the matching entries for the requested page.
func (s *Store) Query(q Query) Page {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	q.PageSize = min(q.PageSize, maxPageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Entry
	for _, e := range s.entries {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}

	page := Page{Total: len(matched), Page: q.Page, PageSize: q.PageSize, Entries: []*Entry{}}
	start := (q.Page - 1) * q.PageSize
	if start >= len(matched) {
		return page
	}
	end := min(start+q.PageSize, len(matched))
	for _, e := range matched[start:end] {
		page.Entries = append(page.Entries, e.Clone())
	}
	return page
}

// Stats summarizes the retained chain.
type Stats struct {
	Total         int            `json:"total"`
	Trimmed       int            `json:"trimmed"`
	ByType        map[string]int `json:"by_type"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ChainValid    bool           `json:"chain_valid"`
	ChainError    string         `json:"chain_error,omitempty"`
	FirstSequence uint64         `json:"first_sequence"`
	LastSequence  uint64         `json:"last_sequence"`
	Head          string         `json:"head"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:     len(s.entries),
		Trimmed:   s.trimmed,
		ByType:    make(map[string]int),
		ByOutcome: make(map[string]int),
		Head:      s.head,
	}
	for _, e := range s.entries {
		st.ByType[e.EventType]++
		st.ByOutcome[string(e.Outcome)]++
	}
	if len(s.entries) > 0 {
		st.FirstSequence = s.entries[0].Sequence
		st.LastSequence = s.entries[len(s.entries)-1].Sequence
	}
	if err := verify(s.entries, s.key, s.anchor); err != nil {
		st.ChainError = err.Error()
	} else {
		st.ChainValid = true
	}
	return st
}

// Bundle is the exported form of the retained chain.
type Bundle struct {
	Anchor     string    `json:"anchor"`
	Head       string    `json:"head"`
	ExportedAt time.Time `json:"exported_at"`
	Entries    []*Entry  `json:"entries"`
}

// Export serializes the retained chain together with its anchor so it can
// be re-validated with VerifyEntries by anyone holding the signing key.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	b := Bundle{
		Anchor:     s.anchor,
		Head:       s.head,
		ExportedAt: s.now().UTC(),
		Entries:    make([]*Entry, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		b.Entries = append(b.Entries, e.Clone())
	}
	s.mu.RUnlock()

	out, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("Export: %w", err)
	}
	return out, nil
}

// ParseBundle decodes an exported chain.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ParseBundle: %w", err)
	}
	return &b, nil
}

// Verify validates the bundle's chain under key.
func (b *Bundle) Verify(key []byte) error {
	if err := VerifyEntries(b.Entries, key, b.Anchor); err != nil {
		return err
	}
	if n := len(b.Entries); n > 0 && b.Entries[n-1].Hash != b.Head {
		return &ChainError{Index: n - 1, Sequence: b.Entries[n-1].Sequence, Err: ErrChainBroken,
			Reason: "last entry does not match the exported head"}
	}
	return nil
}
