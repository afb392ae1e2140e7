package wechat

import (
	"context"
	"sync"
	"time"
)

const laneSweepThreshold = 256

// TextSender is the outbound half of the transport.
type TextSender interface {
	SendText(ctx context.Context, toAddress, text string) error
}

// PacedSender spaces consecutive sends to the same recipient by at least
// minDelay. Sends to one recipient are serialized; different recipients do
// not wait on each other.
type PacedSender struct {
	next     TextSender
	minDelay time.Duration

	mu    sync.Mutex
	lanes map[string]*lane
}

// lane serializes sends to one recipient. waiters and lastSent are guarded by
// PacedSender.mu.
type lane struct {
	send     sync.Mutex
	waiters  int
	lastSent time.Time
}

func NewPacedSender(next TextSender, minDelay time.Duration) *PacedSender {
	return &PacedSender{
		next:     next,
		minDelay: minDelay,
		lanes:    make(map[string]*lane),
	}
}

func (p *PacedSender) SendText(ctx context.Context, to, text string) error {
	if p.minDelay <= 0 {
		return p.next.SendText(ctx, to, text)
	}
	l := p.acquire(to)
	defer l.send.Unlock()

	p.mu.Lock()
	last := l.lastSent
	p.mu.Unlock()

	if wait := p.minDelay - time.Since(last); !last.IsZero() && wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			p.done(l, last)
			return ctx.Err()
		case <-t.C:
		}
	}
	err := p.next.SendText(ctx, to, text)
	p.done(l, time.Now())
	return err
}

func (p *PacedSender) acquire(to string) *lane {
	p.mu.Lock()
	l, ok := p.lanes[to]
	if !ok {
		if len(p.lanes) >= laneSweepThreshold {
			p.sweepLocked()
		}
		l = &lane{}
		p.lanes[to] = l
	}
	l.waiters++
	p.mu.Unlock()

	l.send.Lock()
	return l
}

func (p *PacedSender) done(l *lane, sentAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.lastSent = sentAt
	l.waiters--
}

// sweepLocked drops idle lanes whose pacing window has already passed.
func (p *PacedSender) sweepLocked() {
	for to, l := range p.lanes {
		if l.waiters == 0 && time.Since(l.lastSent) >= p.minDelay {
			delete(p.lanes, to)
		}
	}
}
