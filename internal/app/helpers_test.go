package app

import (
	"sync"
	"testing"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	err    error
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return c.err
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode %s: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

func (c *fakeConn) ofType(t *testing.T, typ protocol.Type) []protocol.Envelope {
	t.Helper()
	var out []protocol.Envelope
	for _, env := range c.envelopes(t) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type recordingPresence struct {
	mu     sync.Mutex
	joined []domain.Member
	left   []domain.SessionID
}

func (p *recordingPresence) Joined(_ domain.RoomID, m domain.Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, m)
}

func (p *recordingPresence) Left(_ domain.RoomID, sid domain.SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, sid)
}
