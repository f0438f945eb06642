package audit

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/canonical"
	"go.uber.org/zap"
)

var (
	ErrChainBroken   = errors.New("audit: hash chain broken")
	ErrBadSignature  = errors.New("audit: invalid signature")
	ErrEntryNotFound = errors.New("audit: entry not found")
	ErrNoSigningKey  = errors.New("audit: signing key is required")
)

// ChainError reports where verification stopped.
type ChainError struct {
	Index    int
	Sequence uint64
	Reason   string
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%v at index %d (sequence %d): %s", e.Err, e.Index, e.Sequence, e.Reason)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Archiver receives entries trimmed by rotation. It is called synchronously
// from Log after the chain lock is released and should hand off quickly.
type Archiver func(trimmed []*Entry)

// Config configures a Store.
type Config struct {
	SigningKey    []byte
	MaxEntries    int // 0 keeps everything
	FlushInterval time.Duration
	QueueLimit    int
	Archiver      Archiver
	Logger        *zap.Logger
	Now           func() time.Time
}

// Store holds the retained portion of the chain. A single mutex guards the
// sequence counter, the chain head and the entry slice; Log is the only
// method that mutates them.
type Store struct {
	key        []byte
	maxEntries int
	archiver   Archiver
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]*Entry
	seq     uint64
	head    string
	anchor  string // previous hash of entries[0]
	trimmed int

	flush flusher
}

func New(cfg Config) (*Store, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, ErrNoSigningKey
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10_000
	}
	s := &Store{
		key:        slices.Clone(cfg.SigningKey),
		maxEntries: cfg.MaxEntries,
		archiver:   cfg.Archiver,
		logger:     cfg.Logger,
		now:        cfg.Now,
		byID:       make(map[string]*Entry),
		head:       GenesisHash,
		anchor:     GenesisHash,
	}
	s.flush = flusher{
		interval: cfg.FlushInterval,
		limit:    cfg.QueueLimit,
		logger:   cfg.Logger,
	}
	return s, nil
}

// Log appends one entry. Details are redacted before signing. Log returns
// a copy of the stored entry; it never waits on downstream handlers.
func (s *Store) Log(eventType, actor string, outcome Outcome, details map[string]any, opts Options) (*Entry, error) {
	clean, err := normalizeDetails(details, opts.Retain)
	if err != nil {
		return nil, fmt.Errorf("Log: %w", err)
	}

	e := &Entry{
		ID:           uuid.NewString(),
		EventType:    eventType,
		Actor:        actor,
		Target:       opts.Target,
		TenantID:     opts.TenantID,
		Outcome:      outcome,
		RiskLevel:    opts.RiskLevel,
		AssessmentID: opts.AssessmentID,
		Tags:         slices.Clone(opts.Tags),
		Details:      clean,
	}

	s.mu.Lock()
	e.Sequence = s.seq + 1
	e.Timestamp = s.now().UTC()
	e.PreviousHash = s.head
	if err := e.seal(s.key); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("Log: %w", err)
	}
	s.seq = e.Sequence
	s.head = e.Hash
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	trimmed := s.rotateLocked()
	// enqueue under the chain lock so handler queues stay in sequence order
	s.flush.enqueue(e)
	s.mu.Unlock()

	if len(trimmed) > 0 && s.archiver != nil {
		s.archiver(trimmed)
	}
	return e.Clone(), nil
}

// rotateLocked drops the oldest entries beyond maxEntries. The hash of the
// last dropped entry becomes the anchor the retained chain verifies from.
func (s *Store) rotateLocked() []*Entry {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return nil
	}
	n := len(s.entries) - s.maxEntries
	trimmed := slices.Clone(s.entries[:n])
	for _, e := range trimmed {
		delete(s.byID, e.ID)
	}
	s.anchor = trimmed[n-1].Hash
	s.entries = slices.Clone(s.entries[n:])
	s.trimmed += n
	s.logger.Info("audit log rotated",
		zap.Int("trimmed", n),
		zap.Uint64("anchor_sequence", trimmed[n-1].Sequence),
	)
	return trimmed
}

// Get returns a copy of the entry with the given id.
func (s *Store) Get(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e.Clone(), nil
}

// Head returns the hash of the newest entry, or the anchor when empty.
func (s *Store) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

// Anchor returns the previous hash the oldest retained entry links to.
func (s *Store) Anchor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// VerifyChain re-derives every retained entry's signature and hash and
// checks each link. It stops at the first failure and returns a
// *ChainError naming the index.
func (s *Store) VerifyChain() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verify(s.entries, s.key, s.anchor)
}

// VerifyEntries validates an exported chain offline.
func VerifyEntries(entries []*Entry, key []byte, anchor string) error {
	if anchor == "" {
		anchor = GenesisHash
	}
	return verify(entries, key, anchor)
}

func verify(entries []*Entry, key []byte, anchor string) error {
	prev := anchor
	for i, e := range entries {
		if e.PreviousHash != prev {
			return &ChainError{Index: i, Sequence: e.Sequence, Err: ErrChainBroken,
				Reason: "previous hash does not match the prior entry"}
		}
		if i > 0 && e.Sequence != entries[i-1].Sequence+1 {
			return &ChainError{Index: i, Sequence: e.Sequence, Err: ErrChainBroken,
				Reason: "sequence gap"}
		}
		body, err := e.content()
		if err != nil {
			return &ChainError{Index: i, Sequence: e.Sequence, Err: ErrChainBroken, Reason: err.Error()}
		}
		if !canonical.Verify(key, body, e.Signature) {
			return &ChainError{Index: i, Sequence: e.Sequence, Err: ErrBadSignature,
				Reason: "signature does not match content"}
		}
		if entryHash(body, e.Signature) != e.Hash {
			return &ChainError{Index: i, Sequence: e.Sequence, Err: ErrChainBroken,
				Reason: "hash does not match content"}
		}
		prev = e.Hash
	}
	return nil
}
