package wechat

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	at    map[string][]time.Time
	texts []string
}

func (r *recordingSender) SendText(_ context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.at == nil {
		r.at = make(map[string][]time.Time)
	}
	r.at[to] = append(r.at[to], time.Now())
	r.texts = append(r.texts, text)
	return nil
}

func TestPacedSenderSpacesSameRecipient(t *testing.T) {
	rec := &recordingSender{}
	p := NewPacedSender(rec, 30*time.Millisecond)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if err := p.SendText(ctx, "u1", text); err != nil {
			t.Fatalf("SendText() error = %v", err)
		}
	}
	times := rec.at["u1"]
	if len(times) != 3 {
		t.Fatalf("sends = %d, want 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 25*time.Millisecond {
			t.Fatalf("gap %d = %v, want >= min delay", i, gap)
		}
	}
	if rec.texts[0] != "one" || rec.texts[2] != "three" {
		t.Fatalf("texts = %v, want send order kept", rec.texts)
	}
}

func TestPacedSenderDoesNotDelayOtherRecipients(t *testing.T) {
	rec := &recordingSender{}
	p := NewPacedSender(rec, time.Second)
	ctx := context.Background()

	started := time.Now()
	_ = p.SendText(ctx, "u1", "a")
	_ = p.SendText(ctx, "u2", "b")
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("elapsed = %v, want distinct recipients unpaced", elapsed)
	}
}

func TestPacedSenderHonorsContext(t *testing.T) {
	rec := &recordingSender{}
	p := NewPacedSender(rec, time.Second)
	_ = p.SendText(context.Background(), "u1", "first")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.SendText(ctx, "u1", "second"); err == nil {
		t.Fatalf("SendText() error = nil, want context deadline")
	}
	if len(rec.texts) != 1 {
		t.Fatalf("texts = %v, want the cancelled send skipped", rec.texts)
	}
}
