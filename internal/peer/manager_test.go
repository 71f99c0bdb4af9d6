package peer

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

type fixture struct {
	m       *Manager
	media   *fakeMedia
	factory *fakeFactory
	sig     *fakeSignaler
}

func newFixture(t *testing.T, local domain.SessionID, mode CandidateMode, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{media: &fakeMedia{}, factory: newFakeFactory(), sig: newFakeSignaler()}
	cfg := Config{
		Mode:       mode,
		Media:      f.media,
		Transports: f.factory,
		Signaler:   f.sig,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.m = NewManager(cfg)
	t.Cleanup(f.m.Close)
	f.m.HandleEnvelope(protocol.Welcome(local, "user"))
	return f
}

func TestInitiatorFlow(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)

	f.m.HandleEnvelope(protocol.Roster("R", []domain.SessionID{"a", "b"}))

	offers := map[domain.SessionID]bool{}
	for range 2 {
		env := f.sig.next(t)
		if env.Type != protocol.TypeOffer || env.Caller != "c" {
			t.Fatalf("sent %+v, want offer from c", env)
		}
		offers[env.Target] = true
	}
	if !offers["a"] || !offers["b"] {
		t.Fatalf("offers=%v, want a and b", offers)
	}
	waitState(t, f.m, "a", StateLocalOfferSent)
	if link := f.m.Link("a"); !link.Initiator() {
		t.Fatal("newcomer must be initiator")
	}
	if f.m.Room() != "R" {
		t.Fatalf("room=%q", f.m.Room())
	}

	f.m.HandleEnvelope(protocol.Answer("c", "a", json.RawMessage(`{"type":"answer","sdp":"x"}`)))
	if ev := waitEvent(t, f.m, EventLinkConnected); ev.Remote != "a" {
		t.Fatalf("connected remote=%q", ev.Remote)
	}
	waitState(t, f.m, "a", StateConnected)
	waitState(t, f.m, "b", StateLocalOfferSent)
}

func TestResponderFlow(t *testing.T) {
	f := newFixture(t, "a", Batched, nil)

	offer := json.RawMessage(`{"type":"offer","sdp":"remote"}`)
	f.m.HandleEnvelope(protocol.Offer("a", "c", offer))

	tr := f.factory.next(t)
	env := f.sig.next(t)
	if env.Type != protocol.TypeAnswer || env.Target != "c" || env.Caller != "a" {
		t.Fatalf("sent %+v, want answer to c", env)
	}
	waitState(t, f.m, "c", StateLocalAnswerSent)
	tr.mu.Lock()
	got := string(tr.remoteOffer)
	tr.mu.Unlock()
	if got != string(offer) {
		t.Fatalf("remote offer=%s", got)
	}
	if f.m.Link("c").Initiator() {
		t.Fatal("responder marked initiator")
	}

	tr.hooks.OnConnected()
	waitEvent(t, f.m, EventLinkConnected)
	waitState(t, f.m, "c", StateConnected)
}

func TestIncrementalModeSendsCandidatesAfterDescription(t *testing.T) {
	f := newFixture(t, "c", Incremental, nil)
	f.factory.gathered = []json.RawMessage{json.RawMessage(`{"candidate":"host1"}`), json.RawMessage(`{"candidate":"srflx1"}`)}

	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if env := f.sig.next(t); env.Type != protocol.TypeOffer {
		t.Fatalf("first envelope %s, want offer", env.Type)
	}
	for _, want := range []string{`{"candidate":"host1"}`, `{"candidate":"srflx1"}`} {
		env := f.sig.next(t)
		if env.Type != protocol.TypeICECandidate || env.Target != "a" || env.From != "c" || string(env.Candidate) != want {
			t.Fatalf("sent %+v, want candidate %s", env, want)
		}
	}
}

func TestBatchedModeSendsNoCandidateEnvelopes(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.factory.gathered = []json.RawMessage{json.RawMessage(`{"candidate":"host1"}`)}

	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if env := f.sig.next(t); env.Type != protocol.TypeOffer {
		t.Fatalf("sent %s, want offer", env.Type)
	}
	f.m.HandleEnvelope(protocol.Answer("c", "a", json.RawMessage(`{"sdp":"x"}`)))
	waitEvent(t, f.m, EventLinkConnected)
	f.sig.quiet(t, 50*time.Millisecond)
}

func TestCandidateBeforeLinkIsApplied(t *testing.T) {
	f := newFixture(t, "a", Incremental, nil)
	gate := make(chan struct{})
	f.media.gate = gate

	f.m.HandleEnvelope(protocol.ICECandidate("a", "c", json.RawMessage(`"early"`)))
	f.m.HandleEnvelope(protocol.Offer("a", "c", json.RawMessage(`{"sdp":"o"}`)))
	// Arrives while media is still being acquired.
	f.m.HandleEnvelope(protocol.ICECandidate("a", "c", json.RawMessage(`"during"`)))
	if f.m.Link("c") != nil {
		t.Fatal("link created before media was acquired")
	}
	close(gate)

	tr := f.factory.next(t)
	if env := f.sig.next(t); env.Type != protocol.TypeAnswer {
		t.Fatalf("sent %s, want answer", env.Type)
	}
	f.m.HandleEnvelope(protocol.ICECandidate("a", "c", json.RawMessage(`"after"`)))

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.applied()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("applied=%v", tr.applied())
		}
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{`"early"`, `"during"`, `"after"`}
	if got := tr.applied(); !slices.Equal(got, want) {
		t.Fatalf("applied=%v, want %v", got, want)
	}
}

func TestExpiredCandidateIsDiscarded(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(100, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	f := newFixture(t, "a", Incremental, func(c *Config) {
		c.CandidateTTL = 5 * time.Second
		c.Now = clock
	})

	f.m.HandleEnvelope(protocol.ICECandidate("a", "c", json.RawMessage(`"stale"`)))
	mu.Lock()
	now = now.Add(6 * time.Second)
	mu.Unlock()

	f.m.HandleEnvelope(protocol.Offer("a", "c", json.RawMessage(`{"sdp":"o"}`)))
	tr := f.factory.next(t)
	if env := f.sig.next(t); env.Type != protocol.TypeAnswer {
		t.Fatalf("sent %s, want answer", env.Type)
	}
	if got := tr.applied(); len(got) != 0 {
		t.Fatalf("expired candidate applied: %v", got)
	}
}

func TestCloseLinkIsIdempotent(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	tr := f.factory.next(t)
	f.sig.next(t)
	stream := f.media.stream(t, 0)
	link := f.m.Link("a")

	f.m.CloseLink("a")
	f.m.CloseLink("a")
	link.Close()

	waitEvent(t, f.m, EventLinkClosed)
	select {
	case ev := <-f.m.Events():
		if ev.Kind == EventLinkClosed {
			t.Fatal("second close event")
		}
	case <-time.After(50 * time.Millisecond):
	}
	if stream.stops() != 1 || tr.closes() != 1 {
		t.Fatalf("stops=%d closes=%d, want 1/1", stream.stops(), tr.closes())
	}
	if link.State() != StateClosed || f.m.Link("a") != nil {
		t.Fatal("link not removed")
	}
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link goroutine still running")
	}
}

func TestMediaFailureCreatesNoLink(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.media.err = errors.New("permission denied")

	err := f.m.Call(context.Background(), "a")
	if !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("Call err=%v, want ErrMediaUnavailable", err)
	}
	if len(f.m.Remotes()) != 0 {
		t.Fatalf("remotes=%v", f.m.Remotes())
	}
	select {
	case <-f.factory.created:
		t.Fatal("transport created despite media failure")
	default:
	}

	f.m.HandleEnvelope(protocol.Offer("c", "b", json.RawMessage(`{"sdp":"o"}`)))
	ev := waitEvent(t, f.m, EventError)
	if ev.Remote != "b" || !errors.Is(ev.Err, ErrMediaUnavailable) {
		t.Fatalf("event=%+v", ev)
	}
	f.media.mu.Lock()
	f.media.err = nil
	f.media.mu.Unlock()
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestCallTwiceFails(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if err := f.m.Call(context.Background(), "a"); !errors.Is(err, ErrLinkExists) {
		t.Fatalf("second Call err=%v", err)
	}
	f.m.HandleEnvelope(protocol.Offer("c", "a", json.RawMessage(`{"sdp":"glare"}`)))
	if st, _ := f.m.State("a"); st == StateRemoteOfferReceived {
		t.Fatal("offer accepted on an initiator link")
	}
}

func TestCallRequiresSession(t *testing.T) {
	m := NewManager(Config{Media: &fakeMedia{}, Transports: newFakeFactory(), Signaler: newFakeSignaler()})
	defer m.Close()
	if err := m.Call(context.Background(), "a"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v", err)
	}
}

func TestConnectionLostClosesEveryLink(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.HandleEnvelope(protocol.Roster("R", []domain.SessionID{"a", "b"}))
	f.sig.next(t)
	f.sig.next(t)
	waitState(t, f.m, "a", StateLocalOfferSent)
	waitState(t, f.m, "b", StateLocalOfferSent)

	f.m.ConnectionLost()

	waitEvent(t, f.m, EventConnectionLost)
	if got := f.m.Remotes(); len(got) != 0 {
		t.Fatalf("remotes=%v", got)
	}
	for i := range 2 {
		if s := f.media.stream(t, i); s.stops() != 1 {
			t.Fatalf("stream %d stops=%d", i, s.stops())
		}
	}
	if f.m.LocalID() != "" {
		t.Fatal("session id retained after connection loss")
	}
}

func TestPeerLeftClosesLink(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.HandleEnvelope(protocol.Roster("R", []domain.SessionID{"a", "b"}))
	f.sig.next(t)
	f.sig.next(t)
	waitState(t, f.m, "a", StateLocalOfferSent)
	waitState(t, f.m, "b", StateLocalOfferSent)

	f.m.HandleEnvelope(protocol.PeerLeft("R", "a"))
	if ev := waitEvent(t, f.m, EventLinkClosed); ev.Remote != "a" {
		t.Fatalf("closed remote=%q", ev.Remote)
	}
	if got := f.m.Remotes(); !slices.Equal(got, []domain.SessionID{"b"}) {
		t.Fatalf("remotes=%v", got)
	}
}

func TestLeaveDuringMediaAcquisition(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	gate := make(chan struct{})
	f.media.gate = gate

	f.m.HandleEnvelope(protocol.Roster("R", []domain.SessionID{"a"}))
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.m.mu.Lock()
		n := len(f.m.pending)
		f.m.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("call never reserved")
		}
		time.Sleep(time.Millisecond)
	}
	f.m.Leave()
	close(gate)

	tr := f.factory.next(t)
	deadline = time.Now().Add(2 * time.Second)
	for tr.closes() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("transport not released")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := f.media.stream(t, 0); s.stops() != 1 {
		t.Fatalf("stream stops=%d", s.stops())
	}
	if len(f.m.Remotes()) != 0 {
		t.Fatalf("remotes=%v", f.m.Remotes())
	}
	f.sig.quiet(t, 50*time.Millisecond)
}

func TestSetTrackEnabled(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	f.m.SetTrackEnabled(KindAudio, false)
	if on, ok := f.media.stream(t, 0).isEnabled(KindAudio); !ok || on {
		t.Fatalf("audio on=%v set=%v", on, ok)
	}

	if err := f.m.Call(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	if on, ok := f.media.stream(t, 1).isEnabled(KindAudio); !ok || on {
		t.Fatal("later link did not inherit mute")
	}
}

func TestRemoteTrackSurfaced(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	tr := f.factory.next(t)
	tr.hooks.OnTrack(RemoteTrack{ID: "t1", Kind: KindVideo})
	ev := waitEvent(t, f.m, EventRemoteTrack)
	if ev.Remote != "a" || ev.Track.ID != "t1" {
		t.Fatalf("event=%+v", ev)
	}
}

func TestNegotiationFailureClosesLink(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	boom := errors.New("sdp failure")
	failing := &failingFactory{err: boom, inner: f.factory}
	f.m.cfg.Transports = failing

	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, f.m, EventError)
	if !errors.Is(ev.Err, boom) {
		t.Fatalf("err=%v", ev.Err)
	}
	waitEvent(t, f.m, EventLinkClosed)
}

type failingFactory struct {
	err   error
	inner *fakeFactory
}

func (f *failingFactory) NewTransport(mode CandidateMode, hooks TransportHooks) (MediaTransport, error) {
	tr, _ := f.inner.NewTransport(mode, hooks)
	tr.(*fakeTransport).offerErr = f.err
	return tr, nil
}

func TestBrokerErrorSurfaced(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.HandleEnvelope(protocol.Error(protocol.CodeRateLimited, "rate limited"))
	if ev := waitEvent(t, f.m, EventError); ev.Err == nil {
		t.Fatal("nil error")
	}
}

func TestRosterForAnotherRoomClosesOldLinks(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.HandleEnvelope(protocol.Roster("R1", []domain.SessionID{"a"}))
	f.sig.next(t)
	f.m.HandleEnvelope(protocol.Answer("c", "a", json.RawMessage(`{"sdp":"x"}`)))
	waitState(t, f.m, "a", StateConnected)

	// Same room again: the broker resent the roster, nothing changes.
	f.m.HandleEnvelope(protocol.Roster("R1", []domain.SessionID{"a"}))
	if st, ok := f.m.State("a"); !ok || st != StateConnected {
		t.Fatalf("rejoin disturbed link: state=%v present=%v", st, ok)
	}

	f.m.HandleEnvelope(protocol.Roster("R2", nil))
	if ev := waitEvent(t, f.m, EventLinkClosed); ev.Remote != "a" {
		t.Fatalf("closed remote=%q", ev.Remote)
	}
	if f.m.Link("a") != nil {
		t.Fatal("link to previous room survived the switch")
	}
	if s := f.media.stream(t, 0); s.stops() != 1 {
		t.Fatalf("stream stops=%d, want 1", s.stops())
	}
	if f.m.Room() != "R2" {
		t.Fatalf("room=%q", f.m.Room())
	}
}

type brokenStreamFactory struct {
	inner *fakeFactory
}

func (f *brokenStreamFactory) NewTransport(mode CandidateMode, hooks TransportHooks) (MediaTransport, error) {
	tr, _ := f.inner.NewTransport(mode, hooks)
	return &rejectingTransport{fakeTransport: tr.(*fakeTransport)}, nil
}

type rejectingTransport struct {
	*fakeTransport
}

func (t *rejectingTransport) AddStream(MediaStream) error { return errors.New("codec mismatch") }

func TestAttachFailureReleasesEverything(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.cfg.Transports = &brokenStreamFactory{inner: f.factory}

	if err := f.m.Call(context.Background(), "a"); err == nil {
		t.Fatal("Call succeeded with a transport that rejects the stream")
	}
	tr := f.factory.next(t)
	if tr.closes() != 1 {
		t.Fatalf("transport closes=%d, want 1", tr.closes())
	}
	if s := f.media.stream(t, 0); s.stops() != 1 {
		t.Fatalf("stream stops=%d, want 1", s.stops())
	}
	if len(f.m.Remotes()) != 0 {
		t.Fatalf("remotes=%v", f.m.Remotes())
	}

	f.m.cfg.Transports = f.factory
	if err := f.m.Call(context.Background(), "a"); err != nil {
		t.Fatalf("retry after attach failure: %v", err)
	}
}

// earlyFailFactory reports a transport failure before NewTransport returns.
type earlyFailFactory struct {
	inner *fakeFactory
}

func (f *earlyFailFactory) NewTransport(mode CandidateMode, hooks TransportHooks) (MediaTransport, error) {
	tr, err := f.inner.NewTransport(mode, hooks)
	hooks.OnFailed()
	return tr, err
}

func TestTransportFailureDuringSetup(t *testing.T) {
	f := newFixture(t, "c", Batched, nil)
	f.m.cfg.Transports = &earlyFailFactory{inner: f.factory}

	err := f.m.Call(context.Background(), "a")
	if err != nil && !errors.Is(err, ErrClosed) {
		t.Fatalf("Call err=%v", err)
	}
	tr := f.factory.next(t)
	stream := f.media.stream(t, 0)

	deadline := time.Now().Add(2 * time.Second)
	for tr.closes() == 0 || stream.stops() == 0 || len(f.m.Remotes()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("closes=%d stops=%d remotes=%v", tr.closes(), stream.stops(), f.m.Remotes())
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if tr.closes() != 1 || stream.stops() != 1 {
		t.Fatalf("closes=%d stops=%d, want 1/1", tr.closes(), stream.stops())
	}
}
