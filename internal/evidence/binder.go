package evidence

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
	"go.uber.org/zap"
)

// Config configures a Binder.
type Config struct {
	SigningKey []byte
	KeyID      string
	Logger     *zap.Logger
	Now        func() time.Time
}

// Options carries the optional inputs of CreateBinding.
type Options struct {
	Metadata   map[string]string
	References []string
	Actor      string
}

// Binder creates and holds bindings. Bindings are immutable apart from
// appended custody records.
type Binder struct {
	key    []byte
	keyID  string
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	bindings map[string]*Binding
}

func NewBinder(cfg Config) (*Binder, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrNoSigningKey
	}
	if cfg.KeyID == "" {
		cfg.KeyID = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Binder{
		key:      slices.Clone(cfg.SigningKey),
		keyID:    cfg.KeyID,
		logger:   cfg.Logger,
		now:      cfg.Now,
		bindings: make(map[string]*Binding),
	}, nil
}

// CreateBinding seals entries into a new binding. Every reference must name
// a binding this Binder already holds, so the reference graph stays acyclic.
func (b *Binder) CreateBinding(kind string, entries []*audit.Entry, opts Options) (*Binding, error) {
	if len(entries) == 0 {
		return nil, ErrNoArtifacts
	}

	bd := &Binding{
		ID:         uuid.NewString(),
		Kind:       kind,
		CreatedAt:  b.now().UTC(),
		Metadata:   maps.Clone(opts.Metadata),
		References: slices.Clone(opts.References),
		KeyID:      b.keyID,
	}
	for _, e := range entries {
		h, err := artifactHash(e)
		if err != nil {
			return nil, fmt.Errorf("CreateBinding: %w", err)
		}
		bd.Artifacts = append(bd.Artifacts, Artifact{
			EntryID:  e.ID,
			Sequence: e.Sequence,
			Hash:     h,
			Entry:    e.Clone(),
		})
	}

	var err error
	if bd.Hash, err = computeBindingHash(bd); err != nil {
		return nil, fmt.Errorf("CreateBinding: %w", err)
	}
	body, err := signedContent(bd)
	if err != nil {
		return nil, fmt.Errorf("CreateBinding: %w", err)
	}
	bd.Signature = canonical.Sign(b.key, body)

	actor := opts.Actor
	if actor == "" {
		actor = "gateway"
	}
	if err := appendCustody(bd, b.key, CustodySealed, actor, "", bd.CreatedAt); err != nil {
		return nil, fmt.Errorf("CreateBinding: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ref := range bd.References {
		if _, ok := b.bindings[ref]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
	}
	b.bindings[bd.ID] = bd

	b.logger.Debug("evidence binding sealed",
		zap.String("binding_id", bd.ID),
		zap.String("kind", kind),
		zap.Int("artifacts", len(bd.Artifacts)),
	)
	return bd.Clone(), nil
}

func appendCustody(bd *Binding, key []byte, action, actor, note string, at time.Time) error {
	prev := bd.Hash
	if n := len(bd.Custody); n > 0 {
		prev = bd.Custody[n-1].NewHash
	}
	r := CustodyRecord{
		Index:        len(bd.Custody),
		Action:       action,
		Actor:        actor,
		Note:         note,
		Timestamp:    at,
		PreviousHash: prev,
	}
	h, err := custodyHash(r)
	if err != nil {
		return err
	}
	r.NewHash = h
	r.Signature = canonical.Sign(key, []byte(h))
	bd.Custody = append(bd.Custody, r)
	return nil
}

// AddCustody appends a hash-linked custody record to the binding.
func (b *Binder) AddCustody(id, action, actor, note string) (*CustodyRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bd, ok := b.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	if err := appendCustody(bd, b.key, action, actor, note, b.now().UTC()); err != nil {
		return nil, fmt.Errorf("AddCustody: %w", err)
	}
	r := bd.Custody[len(bd.Custody)-1]
	return &r, nil
}

// Get returns a copy of the binding.
func (b *Binder) Get(id string) (*Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bd, ok := b.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	return bd.Clone(), nil
}

// Validate checks bd under this binder's key.
func (b *Binder) Validate(bd *Binding) Validation {
	return Validate(bd, b.key)
}

// Lineage returns the binding with id followed by every binding it
// references, transitively, breadth first and without repeats.
func (b *Binder) Lineage(id string) ([]*Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start, ok := b.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	seen := map[string]bool{id: true}
	queue := []*Binding{start}
	var out []*Binding
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur.Clone())
		for _, ref := range cur.References {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			if next, ok := b.bindings[ref]; ok {
				queue = append(queue, next)
			}
		}
	}
	return out, nil
}

// add stores an already validated binding.
func (b *Binder) add(bd *Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.bindings[bd.ID]; ok {
		return fmt.Errorf("%w: %s", ErrBindingExists, bd.ID)
	}
	for _, ref := range bd.References {
		if _, ok := b.bindings[ref]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
	}
	b.bindings[bd.ID] = bd.Clone()
	return nil
}
