package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

type fakeStream struct {
	mu      sync.Mutex
	stopped int
	enabled map[TrackKind]bool
}

func (s *fakeStream) SetEnabled(kind TrackKind, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled == nil {
		s.enabled = map[TrackKind]bool{}
	}
	s.enabled[kind] = on
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
}

func (s *fakeStream) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeStream) isEnabled(kind TrackKind) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	on, ok := s.enabled[kind]
	return on, ok
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context) (MediaStream, error) {
	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	s := &fakeStream{}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.mu.Lock()
		if i < len(m.streams) {
			s := m.streams[i]
			m.mu.Unlock()
			return s
		}
		m.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("stream %d never acquired", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fakeTransport struct {
	mu          sync.Mutex
	hooks       TransportHooks
	streams     []MediaStream
	remoteSet   bool
	remoteOffer json.RawMessage
	answer      json.RawMessage
	candidates  []json.RawMessage
	closed      int

	// gathered is reported through OnCandidate while a description is
	// created, as a real ICE agent would.
	gathered []json.RawMessage
	offerErr error
}

func (t *fakeTransport) AddStream(s MediaStream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams = append(t.streams, s)
	return nil
}

func (t *fakeTransport) gather() {
	t.mu.Lock()
	gathered, hook := t.gathered, t.hooks.OnCandidate
	t.mu.Unlock()
	for _, c := range gathered {
		if hook != nil {
			hook(c)
		}
	}
}

func (t *fakeTransport) CreateOffer(context.Context) (json.RawMessage, error) {
	if t.offerErr != nil {
		return nil, t.offerErr
	}
	t.gather()
	return json.RawMessage(`{"type":"offer","sdp":"o"}`), nil
}

func (t *fakeTransport) CreateAnswer(_ context.Context, offer json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	t.remoteSet = true
	t.remoteOffer = offer
	t.mu.Unlock()
	t.gather()
	return json.RawMessage(`{"type":"answer","sdp":"a"}`), nil
}

func (t *fakeTransport) SetAnswer(answer json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteSet = true
	t.answer = answer
	return nil
}

func (t *fakeTransport) AddCandidate(c json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.remoteSet {
		return errors.New("remote description not set")
	}
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) applied() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, string(c))
	}
	return out
}

func (t *fakeTransport) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeFactory struct {
	gathered []json.RawMessage
	created  chan *fakeTransport
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeTransport, 16)}
}

func (f *fakeFactory) NewTransport(_ CandidateMode, hooks TransportHooks) (MediaTransport, error) {
	tr := &fakeTransport{hooks: hooks, gathered: f.gathered}
	f.created <- tr
	return tr, nil
}

func (f *fakeFactory) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transport created")
		return nil
	}
}

type fakeSignaler struct {
	sent chan protocol.Envelope
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{sent: make(chan protocol.Envelope, 64)}
}

func (s *fakeSignaler) Send(env protocol.Envelope) error {
	s.sent <- env
	return nil
}

func (s *fakeSignaler) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return protocol.Envelope{}
	}
}

func (s *fakeSignaler) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-s.sent:
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(d):
	}
}

func waitEvent(t *testing.T, m *Manager, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

func waitState(t *testing.T, m *Manager, remote domain.SessionID, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, ok := m.State(remote)
		if ok && st == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state toward %s = %v (present=%v), want %v", remote, st, ok, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
