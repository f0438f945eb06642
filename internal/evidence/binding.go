// Package evidence seals audit entries into signed, hash-linked bindings
// with a chain of custody. Bindings may reference earlier bindings, forming
// a DAG that Lineage walks.
package evidence

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
)

// Binding kinds created by the gateway.
const (
	KindAssessment = "risk_assessment"
	KindApproval   = "approval"
	KindExecution  = "execution"
)

// CustodySealed is the action of the record written at creation.
const CustodySealed = "sealed"

var (
	ErrNoSigningKey     = errors.New("evidence: signing key is required")
	ErrBindingNotFound  = errors.New("evidence: binding not found")
	ErrBindingExists    = errors.New("evidence: binding already exists")
	ErrUnknownReference = errors.New("evidence: reference to unknown binding")
	ErrInvalidBinding   = errors.New("evidence: binding failed validation")
	ErrNoArtifacts      = errors.New("evidence: a binding needs at least one artifact")
)

// Artifact is one sealed audit entry and its independent hash.
type Artifact struct {
	EntryID  string       `json:"entry_id"`
	Sequence uint64       `json:"sequence"`
	Hash     string       `json:"hash"`
	Entry    *audit.Entry `json:"entry"`
}

// CustodyRecord is one link in a binding's custody chain. The first
// record's PreviousHash is the binding hash. Signature is an HMAC over
// NewHash under the binder's key.
type CustodyRecord struct {
	Index        int       `json:"index"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	Note         string    `json:"note,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	NewHash      string    `json:"new_hash"`
	Signature    string    `json:"signature"`
}

// Binding is a sealed evidence package.
type Binding struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	CreatedAt  time.Time         `json:"created_at"`
	Artifacts  []Artifact        `json:"artifacts"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	References []string          `json:"references,omitempty"`
	Hash       string            `json:"hash"`
	KeyID      string            `json:"key_id"`
	Signature  string            `json:"signature,omitempty"`
	Custody    []CustodyRecord   `json:"custody,omitempty"`
}

// Clone returns a deep copy of b.
func (b *Binding) Clone() *Binding {
	c := *b
	c.Artifacts = make([]Artifact, len(b.Artifacts))
	for i, a := range b.Artifacts {
		c.Artifacts[i] = a
		if a.Entry != nil {
			c.Artifacts[i].Entry = a.Entry.Clone()
		}
	}
	c.Metadata = maps.Clone(b.Metadata)
	c.References = slices.Clone(b.References)
	c.Custody = slices.Clone(b.Custody)
	return &c
}

// hashInput is what the binding hash covers: the ordered artifact hashes
// plus identity, metadata and references.
type hashInput struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	CreatedAt      time.Time         `json:"created_at"`
	ArtifactHashes []string          `json:"artifact_hashes"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	References     []string          `json:"references,omitempty"`
}

func computeBindingHash(b *Binding) (string, error) {
	in := hashInput{
		ID:         b.ID,
		Kind:       b.Kind,
		CreatedAt:  b.CreatedAt,
		Metadata:   b.Metadata,
		References: b.References,
	}
	for _, a := range b.Artifacts {
		in.ArtifactHashes = append(in.ArtifactHashes, a.Hash)
	}
	return canonical.Hash(in)
}

// signedContent is the binding without its signature and custody chain.
func signedContent(b *Binding) ([]byte, error) {
	c := *b
	c.Signature = ""
	c.Custody = nil
	return canonical.JSON(&c)
}

func artifactHash(e *audit.Entry) (string, error) {
	return canonical.Hash(e)
}

func custodyHash(r CustodyRecord) (string, error) {
	r.NewHash = ""
	r.Signature = ""
	return canonical.Hash(r)
}

// Validation reports each check separately so a failure can be localized.
type Validation struct {
	HashValid      bool     `json:"hash_valid"`
	SignatureValid bool     `json:"signature_valid"`
	CustodyValid   bool     `json:"custody_valid"`
	Errors         []string `json:"errors,omitempty"`
}

// Valid reports whether every check passed.
func (v Validation) Valid() bool {
	return v.HashValid && v.SignatureValid && v.CustodyValid
}

// Validate re-derives the artifact hashes, the binding hash, the signature
// and the custody chain of b under key.
func Validate(b *Binding, key []byte) Validation {
	v := Validation{HashValid: true, SignatureValid: true, CustodyValid: true}
	fail := func(field *bool, format string, args ...any) {
		*field = false
		v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	}

	for i, a := range b.Artifacts {
		if a.Entry == nil {
			fail(&v.HashValid, "artifact %d has no entry", i)
			continue
		}
		h, err := artifactHash(a.Entry)
		if err != nil {
			fail(&v.HashValid, "artifact %d: %v", i, err)
			continue
		}
		if h != a.Hash {
			fail(&v.HashValid, "artifact %d hash mismatch", i)
		}
		if a.EntryID != a.Entry.ID || a.Sequence != a.Entry.Sequence {
			fail(&v.HashValid, "artifact %d identity does not match its entry", i)
		}
	}
	if h, err := computeBindingHash(b); err != nil {
		fail(&v.HashValid, "binding hash: %v", err)
	} else if h != b.Hash {
		fail(&v.HashValid, "binding hash mismatch")
	}

	if body, err := signedContent(b); err != nil {
		fail(&v.SignatureValid, "signature: %v", err)
	} else if !canonical.Verify(key, body, b.Signature) {
		fail(&v.SignatureValid, "signature does not match content")
	}

	prev := b.Hash
	if len(b.Custody) == 0 {
		fail(&v.CustodyValid, "custody chain is empty")
	}
	for i, r := range b.Custody {
		if r.Index != i {
			fail(&v.CustodyValid, "custody record %d has index %d", i, r.Index)
			break
		}
		if r.PreviousHash != prev {
			fail(&v.CustodyValid, "custody record %d does not link to its predecessor", i)
			break
		}
		h, err := custodyHash(r)
		if err != nil || h != r.NewHash {
			fail(&v.CustodyValid, "custody record %d hash mismatch", i)
			break
		}
		if !canonical.Verify(key, []byte(r.NewHash), r.Signature) {
			fail(&v.CustodyValid, "custody record %d signature does not match", i)
			break
		}
		prev = r.NewHash
	}
	return v
}
