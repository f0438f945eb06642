package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitPending(t *testing.T, g *Gate) Ticket {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if p := g.Pending(); len(p) == 1 {
			return p[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("ticket never became pending")
	return Ticket{}
}

func TestGate_Required(t *testing.T) {
	cases := []struct {
		mode Mode
		risk bool
		want bool
	}{
		{ModeAlways, false, true},
		{ModeNever, true, false},
		{ModeRiskBased, true, true},
		{ModeRiskBased, false, false},
		{ModeFirstUse, false, true},
	}
	for _, c := range cases {
		g := NewGate(Options{Mode: c.mode})
		if got := g.Required("acme", "deploy", c.risk); got != c.want {
			t.Fatalf("mode %s risk=%v: expected %v, got %v", c.mode, c.risk, c.want, got)
		}
	}
}

func TestGate_ApproveUnblocksRequest(t *testing.T) {
	g := NewGate(Options{Timeout: time.Second, Logger: zap.NewNop()})
	done := make(chan Decision, 1)
	go func() {
		done <- g.Request(context.Background(), Ticket{TenantID: "acme", ToolName: "deploy"})
	}()

	tk := waitPending(t, g)
	if err := g.Approve(tk.ID, "alice", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	d := <-done
	if d.Status != StatusApproved || d.Approver != "alice" || d.TicketID != tk.ID {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("expected no pending tickets")
	}
	if err := g.Approve(tk.ID, "alice", ""); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound on second approval, got %v", err)
	}
}

func TestGate_Deny(t *testing.T) {
	g := NewGate(Options{Timeout: time.Second})
	done := make(chan Decision, 1)
	go func() { done <- g.Request(context.Background(), Ticket{ID: "t-1"}) }()
	waitPending(t, g)
	if err := g.Deny("t-1", "bob", "no"); err != nil {
		t.Fatal(err)
	}
	if d := <-done; d.Status != StatusDenied || d.Reason != "no" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGate_TimeoutRemovesTicket(t *testing.T) {
	g := NewGate(Options{Timeout: 20 * time.Millisecond})
	d := g.Request(context.Background(), Ticket{TenantID: "acme"})
	if d.Status != StatusTimeout {
		t.Fatalf("expected timeout, got %+v", d)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("timed out ticket must be removed")
	}
}

func TestGate_CancelRemovesTicket(t *testing.T) {
	g := NewGate(Options{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Decision, 1)
	go func() { done <- g.Request(ctx, Ticket{}) }()
	waitPending(t, g)
	cancel()
	if d := <-done; d.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", d)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("cancelled ticket must be removed")
	}
}

type autoApprover struct{ status Status }

func (a autoApprover) Decide(context.Context, Ticket) (Decision, bool) {
	return Decision{Status: a.status, Approver: "policy-bot"}, true
}

func TestGate_FirstUseRemembersApproval(t *testing.T) {
	g := NewGate(Options{Mode: ModeFirstUse, Approver: autoApprover{status: StatusApproved}})
	if !g.Required("acme", "deploy", false) {
		t.Fatal("first call must require approval")
	}
	if d := g.Request(context.Background(), Ticket{TenantID: "acme", ToolName: "deploy"}); d.Status != StatusApproved {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if g.Required("acme", "deploy", true) {
		t.Fatal("approved pair must not require approval again")
	}
	if !g.Required("globex", "deploy", false) {
		t.Fatal("first use is tracked per tenant")
	}
}
