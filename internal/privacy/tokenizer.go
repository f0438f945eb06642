package privacy

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Result is the output of Tokenize.
type Result struct {
	Value  map[string]any
	Fields []string // paths of string fields that were changed
	Count  int      // number of values replaced
}

// TokenizerOptions configures a Tokenizer.
type TokenizerOptions struct {
	Patterns []Pattern
	TTL      time.Duration
	Now      func() time.Time
}

// Tokenizer replaces PII with tokens and keeps the originals in a
// per-tenant vault so results can be restored for the same tenant only.
type Tokenizer struct {
	patterns []Pattern
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	vaults map[string]*vault
}

type vault struct {
	byToken   map[string]vaultEntry
	byValue   map[string]string
	nextPurge time.Time
}

type vaultEntry struct {
	value     string
	expiresAt time.Time
}

func NewTokenizer(opts TokenizerOptions) *Tokenizer {
	if opts.Patterns == nil {
		opts.Patterns = DefaultPatterns
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tokenizer{
		patterns: opts.Patterns,
		ttl:      opts.TTL,
		now:      opts.Now,
		vaults:   make(map[string]*vault),
	}
}

// Tokenize returns a deep copy of args with every PII match replaced by a
// token. The same value maps to the same token within a tenant while the
// token is live.
func (t *Tokenizer) Tokenize(tenant string, args map[string]any) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v := t.vaultLocked(tenant, now)

	res := Result{}
	out := t.tokenizeValue(v, now, "$", args, &res)
	res.Value, _ = out.(map[string]any)
	return res
}

func (t *Tokenizer) tokenizeValue(v *vault, now time.Time, path string, in any, res *Result) any {
	switch x := in.(type) {
	case string:
		matches := FindMatches(x, t.patterns)
		if len(matches) == 0 {
			return x
		}
		res.Fields = append(res.Fields, path)
		res.Count += len(matches)
		return Replace(x, matches, func(m Match) string {
			return t.tokenFor(v, now, m)
		})
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = t.tokenizeValue(v, now, KeyPath(path, k), val, res)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = t.tokenizeValue(v, now, IndexPath(path, i), val, res)
		}
		return out
	default:
		return in
	}
}

func (t *Tokenizer) tokenFor(v *vault, now time.Time, m Match) string {
	if tok, ok := v.byValue[m.Value]; ok {
		if e, live := v.byToken[tok]; live && now.Before(e.expiresAt) {
			return tok
		}
	}
	tok := "<<PII:" + strings.ToUpper(m.Pattern) + ":" + randomHex() + ">>"
	v.byToken[tok] = vaultEntry{value: m.Value, expiresAt: now.Add(t.ttl)}
	v.byValue[m.Value] = tok
	return tok
}

// Detokenize restores tokens issued to tenant inside v. Tokens that belong
// to another tenant, or have expired, are left untouched.
func (t *Tokenizer) Detokenize(tenant string, v any) any {
	t.mu.Lock()
	defer t.mu.Unlock()

	vt, ok := t.vaults[tenant]
	if !ok {
		return v
	}
	return t.detokenizeValue(vt, t.now(), v)
}

func (t *Tokenizer) detokenizeValue(vt *vault, now time.Time, in any) any {
	switch x := in.(type) {
	case string:
		return TokenPattern.ReplaceAllStringFunc(x, func(tok string) string {
			if e, ok := vt.byToken[tok]; ok && now.Before(e.expiresAt) {
				return e.value
			}
			return tok
		})
	case map[string]any:
		if x == nil {
			return x
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = t.detokenizeValue(vt, now, val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = t.detokenizeValue(vt, now, val)
		}
		return out
	default:
		return in
	}
}

// Purge drops expired tokens from every vault and returns how many were
// removed.
func (t *Tokenizer) Purge() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for tenant, v := range t.vaults {
		n += v.purge(now)
		if len(v.byToken) == 0 {
			delete(t.vaults, tenant)
		}
	}
	return n
}

func (t *Tokenizer) vaultLocked(tenant string, now time.Time) *vault {
	v, ok := t.vaults[tenant]
	if !ok {
		v = &vault{
			byToken:   make(map[string]vaultEntry),
			byValue:   make(map[string]string),
			nextPurge: now.Add(t.ttl),
		}
		t.vaults[tenant] = v
		return v
	}
	if !now.Before(v.nextPurge) {
		v.purge(now)
		v.nextPurge = now.Add(t.ttl)
	}
	return v
}

func (v *vault) purge(now time.Time) int {
	n := 0
	for tok, e := range v.byToken {
		if !now.Before(e.expiresAt) {
			delete(v.byToken, tok)
			if v.byValue[e.value] == tok {
				delete(v.byValue, e.value)
			}
			n++
		}
	}
	return n
}

func randomHex() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
