// Package approval holds requests that need a human decision until one
// arrives or the wait times out.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mode selects when approval is required.
type Mode string

const (
	ModeAlways    Mode = "always"
	ModeNever     Mode = "never"
	ModeRiskBased Mode = "risk-based"
	ModeFirstUse  Mode = "first-use"
)

// Status is the outcome of an approval request.
type Status string

const (
	StatusNotRequired Status = "not_required"
	StatusApproved    Status = "approved"
	StatusDenied      Status = "denied"
	StatusTimeout     Status = "timeout"
	StatusCancelled   Status = "cancelled"
)

var ErrTicketNotFound = errors.New("approval: ticket not found")

// Ticket describes the call waiting for a decision.
type Ticket struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	TenantID       string    `json:"tenant_id"`
	ActorID        string    `json:"actor_id"`
	ToolName       string    `json:"tool_name"`
	AssessmentID   string    `json:"assessment_id"`
	Score          float64   `json:"score"`
	Recommendation string    `json:"recommendation"`
	Safeguards     []string  `json:"safeguards,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision is what Request returns.
type Decision struct {
	TicketID  string        `json:"ticket_id"`
	Status    Status        `json:"status"`
	Approver  string        `json:"approver,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	DecidedAt time.Time     `json:"decided_at"`
	Waited    time.Duration `json:"waited"`
}

// Approver decides tickets automatically. ok=false leaves the ticket for
// a human.
type Approver interface {
	Decide(ctx context.Context, t Ticket) (d Decision, ok bool)
}

// Options configures a Gate.
type Options struct {
	Mode     Mode
	Timeout  time.Duration
	Approver Approver
	Logger   *zap.Logger
	Now      func() time.Time
}

type pendingTicket struct {
	ticket Ticket
	ch     chan Decision
}

// Gate tracks pending tickets.
type Gate struct {
	mode     Mode
	timeout  time.Duration
	approver Approver
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingTicket
	approved map[string]bool // tenant + "\x00" + tool, for first-use
}

func NewGate(opts Options) *Gate {
	if opts.Mode == "" {
		opts.Mode = ModeRiskBased
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gate{
		mode:     opts.Mode,
		timeout:  opts.Timeout,
		approver: opts.Approver,
		logger:   opts.Logger,
		now:      opts.Now,
		pending:  make(map[string]*pendingTicket),
		approved: make(map[string]bool),
	}
}

// Required reports whether a call needs approval. riskRequires is the risk
// engine's verdict and only matters in risk-based mode.
func (g *Gate) Required(tenant, tool string, riskRequires bool) bool {
	switch g.mode {
	case ModeAlways:
		return true
	case ModeNever:
		return false
	case ModeFirstUse:
		g.mu.Lock()
		defer g.mu.Unlock()
		return !g.approved[tenant+"\x00"+tool]
	default:
		return riskRequires
	}
}

// Request registers t and blocks until it is decided, the gate timeout
// passes or ctx is done. The ticket never outlives the call.
func (g *Gate) Request(ctx context.Context, t Ticket) Decision {
	start := g.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = start.UTC()

	if g.approver != nil {
		if d, ok := g.approver.Decide(ctx, t); ok {
			return g.finish(t, d, start)
		}
	}

	p := &pendingTicket{ticket: t, ch: make(chan Decision, 1)}
	g.mu.Lock()
	g.pending[t.ID] = p
	g.mu.Unlock()

	g.logger.Info("approval requested",
		zap.String("ticket_id", t.ID),
		zap.String("tenant_id", t.TenantID),
		zap.String("tool_name", t.ToolName),
		zap.Float64("score", t.Score),
	)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case d := <-p.ch:
		return g.finish(t, d, start)
	case <-timer.C:
		return g.expire(t, p, StatusTimeout, start)
	case <-ctx.Done():
		return g.expire(t, p, StatusCancelled, start)
	}
}

// expire removes the ticket unless a decision raced in first.
func (g *Gate) expire(t Ticket, p *pendingTicket, status Status, start time.Time) Decision {
	g.mu.Lock()
	_, still := g.pending[t.ID]
	delete(g.pending, t.ID)
	g.mu.Unlock()

	if !still {
		return g.finish(t, <-p.ch, start)
	}
	g.logger.Warn("approval not decided",
		zap.String("ticket_id", t.ID),
		zap.String("status", string(status)),
	)
	return Decision{TicketID: t.ID, Status: status, DecidedAt: g.now().UTC(), Waited: g.now().Sub(start)}
}

func (g *Gate) finish(t Ticket, d Decision, start time.Time) Decision {
	d.TicketID = t.ID
	if d.DecidedAt.IsZero() {
		d.DecidedAt = g.now().UTC()
	}
	d.Waited = g.now().Sub(start)
	if d.Status == StatusApproved {
		g.mu.Lock()
		g.approved[t.TenantID+"\x00"+t.ToolName] = true
		g.mu.Unlock()
	}
	return d
}

// Approve decides a pending ticket in favour.
func (g *Gate) Approve(id, approver, reason string) error {
	return g.decide(id, StatusApproved, approver, reason)
}

// Deny rejects a pending ticket.
func (g *Gate) Deny(id, approver, reason string) error {
	return g.decide(id, StatusDenied, approver, reason)
}

func (g *Gate) decide(id string, status Status, approver, reason string) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return ErrTicketNotFound
	}
	p.ch <- Decision{Status: status, Approver: approver, Reason: reason, DecidedAt: g.now().UTC()}
	g.logger.Info("approval decided",
		zap.String("ticket_id", id),
		zap.String("status", string(status)),
		zap.String("approver", approver),
	)
	return nil
}

// Pending lists undecided tickets, oldest first.
func (g *Gate) Pending() []Ticket {
	g.mu.Lock()
	out := make([]Ticket, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.ticket)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Mode returns the configured mode.
func (g *Gate) Mode() Mode {
	return g.mode
}
