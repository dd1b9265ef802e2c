package orchestrators

import (
	"context"
	"errors"
	"testing"
	"time"

	"safetrail/internal/adapters/email"
	"safetrail/internal/domain/outbox"
)

type stubExecutor struct {
	calls int
	err   error
}

func (s *stubExecutor) Execute(_ context.Context, _ string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func newEntry(t *testing.T, id, action string) outbox.Entry {
	t.Helper()
	payload, err := outbox.EmailPayload{To: []string{"mum@example.com"}, Subject: "SOS", HTML: "<p>help</p>"}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	e, err := outbox.NewEntry(id, action, payload, fixedNow)
	if err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}
	return e
}

func TestOutboxProcessor_DeliversPending(t *testing.T) {
	store := newMockOutboxStore(newEntry(t, "e1", outbox.ActionTypeSOSAlert))
	exec := &stubExecutor{}
	p := NewOutboxProcessor(store, map[string]ActionExecutor{outbox.ActionTypeSOSAlert: exec}).WithClock(clock)

	if err := p.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	got, _ := store.GetByID(context.Background(), "e1")
	if got.Status != outbox.StatusDone || got.ExternalID != "msg-1" || got.Attempts != 1 {
		t.Errorf("entry = %+v", got)
	}

	// Done entries are not listed again.
	if err := p.ProcessPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	if exec.calls != 1 {
		t.Errorf("calls = %d, want 1", exec.calls)
	}
}

func TestOutboxProcessor_BacksOffAndFails(t *testing.T) {
	e := newEntry(t, "e1", outbox.ActionTypeSOSAlert)
	e.MaxAttempts = 2
	store := newMockOutboxStore(e)
	exec := &stubExecutor{err: errors.New("provider down")}
	now := fixedNow
	p := NewOutboxProcessor(store, map[string]ActionExecutor{outbox.ActionTypeSOSAlert: exec}).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	_ = p.ProcessPending(ctx)
	got, _ := store.GetByID(ctx, "e1")
	if got.Status != outbox.StatusRetrying || got.ErrorMessage != "provider down" {
		t.Fatalf("after first attempt = %+v", got)
	}

	// Within the backoff window nothing is attempted.
	now = now.Add(10 * time.Second)
	_ = p.ProcessPending(ctx)
	if exec.calls != 1 {
		t.Fatalf("calls = %d, want 1 during backoff", exec.calls)
	}

	now = now.Add(time.Minute)
	_ = p.ProcessPending(ctx)
	got, _ = store.GetByID(ctx, "e1")
	if exec.calls != 2 || got.Status != outbox.StatusFailed {
		t.Errorf("calls = %d status = %s, want 2 failed", exec.calls, got.Status)
	}
}

func TestOutboxProcessor_UnknownActionAbandoned(t *testing.T) {
	store := newMockOutboxStore(newEntry(t, "e1", "carrier_pigeon"))
	p := NewOutboxProcessor(store, nil).WithClock(clock)

	_ = p.ProcessPending(context.Background())
	got, _ := store.GetByID(context.Background(), "e1")
	if got.Status != outbox.StatusAbandoned {
		t.Errorf("Status = %s, want abandoned", got.Status)
	}
}

func TestOutboxProcessor_ProcessSingle(t *testing.T) {
	store := newMockOutboxStore(newEntry(t, "e1", outbox.ActionTypeSOSAlert))
	exec := &stubExecutor{err: errors.New("boom")}
	p := NewOutboxProcessor(store, map[string]ActionExecutor{outbox.ActionTypeSOSAlert: exec}).WithClock(clock)

	if err := p.ProcessSingle(context.Background(), "e1"); err == nil {
		t.Error("ProcessSingle() should return the executor error")
	}
	exec.err = nil
	if err := p.ProcessSingle(context.Background(), "e1"); err != nil {
		t.Fatalf("ProcessSingle() error = %v", err)
	}
	if got, _ := store.GetByID(context.Background(), "e1"); got.Status != outbox.StatusDone {
		t.Errorf("Status = %s", got.Status)
	}
}

func TestEmailExecutor(t *testing.T) {
	sender := email.NewNoopSender()
	exec := &EmailExecutor{Sender: sender}
	e := newEntry(t, "e1", outbox.ActionTypeSOSAlert)

	id, err := exec.Execute(context.Background(), e.Payload)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if id == "" || len(sender.Sent()) != 1 || sender.Sent()[0].Subject != "SOS" {
		t.Errorf("id = %q sent = %+v", id, sender.Sent())
	}
	if _, err := exec.Execute(context.Background(), "{}"); !errors.Is(err, outbox.ErrNoRecipients) {
		t.Errorf("empty payload error = %v", err)
	}
}
