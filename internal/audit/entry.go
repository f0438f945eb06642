// Package audit is the append-only, hash-chained and HMAC-signed record of
// everything the gateway decides. Entries are created only through
// Store.Log; downstream handlers receive them asynchronously.
package audit

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
)

// Event types written by the gateway.
const (
	EventRequestDenied    = "request.denied"
	EventRiskAssessed     = "risk.assessed"
	EventApprovalDecided  = "approval.decided"
	EventToolExecuted     = "tool.executed"
	EventToolRegistered   = "tool.registered"
	EventToolUnregistered = "tool.unregistered"
	EventIntegrityWarning = "integrity.warning"
	EventTenantLeak       = "tenant.leak"
)

// Outcome is the result recorded for an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// RedactedValue replaces sensitive detail values.
const RedactedValue = "[REDACTED]"

// GenesisHash is the previous hash of the first entry ever written.
var GenesisHash = canonical.SHA256Hex([]byte("tool-gateway-audit-genesis-v1"))

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	EventType    string         `json:"event_type"`
	Actor        string         `json:"actor"`
	Target       string         `json:"target,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Outcome      Outcome        `json:"outcome"`
	RiskLevel    string         `json:"risk_level,omitempty"`
	AssessmentID string         `json:"assessment_id,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash,omitempty"`
	Signature    string         `json:"signature,omitempty"`
}

// Options carries the optional fields of a Log call.
type Options struct {
	Target       string
	TenantID     string
	RiskLevel    string
	AssessmentID string
	Tags         []string
	// Retain lists detail keys that must not be redacted even though they
	// look sensitive.
	Retain []string
}

// HasTag reports whether the entry carries tag.
func (e *Entry) HasTag(tag string) bool {
	return slices.Contains(e.Tags, tag)
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Tags = slices.Clone(e.Tags)
	if e.Details != nil {
		c.Details = cloneValue(e.Details).(map[string]any)
	}
	return &c
}

// content is the signed portion of the entry: everything except the hash
// and the signature.
func (e *Entry) content() ([]byte, error) {
	c := *e
	c.Hash = ""
	c.Signature = ""
	return canonical.JSON(&c)
}

func (e *Entry) seal(key []byte) error {
	body, err := e.content()
	if err != nil {
		return err
	}
	e.Signature = canonical.Sign(key, body)
	e.Hash = entryHash(body, e.Signature)
	return nil
}

func entryHash(content []byte, signature string) string {
	return canonical.SHA256Hex(append(content, signature...))
}

var sensitiveKeys = []string{"password", "secret", "token", "apikey", "api_key", "authorization", "credential"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// normalizeDetails round-trips details through JSON so the stored value is
// exactly what an exported copy decodes to, then redacts sensitive keys at
// every depth.
func normalizeDetails(details map[string]any, retain []string) (map[string]any, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("details: %w", err)
	}
	keep := make(map[string]bool, len(retain))
	for _, k := range retain {
		keep[strings.ToLower(k)] = true
	}
	return redact(out, keep).(map[string]any), nil
}

func redact(v any, keep map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitive(k) && !keep[strings.ToLower(k)] {
				t[k] = RedactedValue
				continue
			}
			t[k] = redact(val, keep)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redact(t[i], keep)
		}
		return t
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}
