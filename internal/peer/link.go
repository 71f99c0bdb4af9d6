package peer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type linkEventKind int

const (
	evStartOffer linkEventKind = iota
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evLocalCandidate
	evTransportConnected
)

type linkEvent struct {
	kind    linkEventKind
	payload json.RawMessage
}

// Link is the negotiation state machine toward one remote session. All
// transitions run on the link's own goroutine, in the order events were
// enqueued; Close is the only operation that acts immediately.
type Link struct {
	key       PairKey
	local     domain.SessionID
	remote    domain.SessionID
	initiator bool
	mode      CandidateMode

	transport MediaTransport
	stream    MediaStream
	signaler  Signaler
	mgr       *Manager
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	qmu   sync.Mutex
	queue []linkEvent
	ready chan struct{}

	mu    sync.Mutex
	state State

	// Owned by the run goroutine.
	remoteDescSet bool
	transportUp   bool
	pendingRemote []json.RawMessage
	pendingLocal  []json.RawMessage
}

func newLink(parent context.Context, mgr *Manager, local, remote domain.SessionID, initiator bool, stream MediaStream) *Link {
	ctx, cancel := context.WithCancel(parent)
	return &Link{
		key:       Pair(local, remote),
		local:     local,
		remote:    remote,
		initiator: initiator,
		mode:      mgr.cfg.Mode,
		stream:    stream,
		signaler:  mgr.cfg.Signaler,
		mgr:       mgr,
		logger:    log.With().Str("module", "peer").Str("remote", string(remote)).Bool("initiator", initiator).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		ready:     make(chan struct{}, 1),
		state:     StateIdle,
	}
}

func (l *Link) Initiator() bool { return l.initiator }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.logger.Debug().Str("from", l.state.String()).Str("to", s.String()).Msg("transition")
	l.state = s
	return true
}

// hooks wires transport upcalls into the link queue.
func (l *Link) hooks() TransportHooks {
	return TransportHooks{
		OnCandidate: func(c json.RawMessage) { l.enqueue(linkEvent{kind: evLocalCandidate, payload: c}) },
		OnConnected: func() { l.enqueue(linkEvent{kind: evTransportConnected}) },
		OnFailed: func() {
			l.logger.Warn().Msg("media transport failed")
			go l.Close()
		},
		OnTrack: func(t RemoteTrack) {
			l.mgr.emit(Event{Kind: EventRemoteTrack, Remote: l.remote, Track: t})
		},
	}
}

func (l *Link) enqueue(ev linkEvent) {
	l.qmu.Lock()
	l.queue = append(l.queue, ev)
	l.qmu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *Link) next() (linkEvent, bool) {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.queue) == 0 {
		return linkEvent{}, false
	}
	ev := l.queue[0]
	l.queue[0] = linkEvent{}
	l.queue = l.queue[1:]
	return ev, true
}

func (l *Link) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ready:
			for {
				if l.ctx.Err() != nil {
					return
				}
				ev, ok := l.next()
				if !ok {
					break
				}
				l.handle(ev)
			}
		}
	}
}

func (l *Link) handle(ev linkEvent) {
	if l.State() == StateClosed {
		return
	}
	switch ev.kind {
	case evStartOffer:
		l.startOffer()
	case evRemoteOffer:
		l.acceptOffer(ev.payload)
	case evRemoteAnswer:
		l.acceptAnswer(ev.payload)
	case evRemoteCandidate:
		if !l.remoteDescSet {
			l.pendingRemote = append(l.pendingRemote, ev.payload)
			return
		}
		l.addRemoteCandidate(ev.payload)
	case evLocalCandidate:
		if l.mode != Incremental {
			return
		}
		if st := l.State(); st == StateIdle || st == StateRemoteOfferReceived {
			l.pendingLocal = append(l.pendingLocal, ev.payload)
			return
		}
		l.sendCandidate(ev.payload)
	case evTransportConnected:
		l.transportUp = true
		if l.State() == StateLocalAnswerSent {
			l.connected()
		}
	}
}

func (l *Link) startOffer() {
	if l.State() != StateIdle {
		l.logger.Warn().Str("state", l.State().String()).Msg("offer requested outside idle")
		return
	}
	sdp, err := l.transport.CreateOffer(l.ctx)
	if err != nil {
		l.fail(err, "create offer")
		return
	}
	if err := l.signaler.Send(protocol.Offer(l.remote, l.local, sdp)); err != nil {
		l.fail(err, "send offer")
		return
	}
	l.setState(StateLocalOfferSent)
	l.flushLocal()
}

func (l *Link) acceptOffer(sdp json.RawMessage) {
	if l.State() != StateIdle {
		l.logger.Warn().Str("state", l.State().String()).Msg("unexpected offer, dropping")
		return
	}
	l.setState(StateRemoteOfferReceived)
	answer, err := l.transport.CreateAnswer(l.ctx, sdp)
	if err != nil {
		l.fail(err, "create answer")
		return
	}
	l.remoteDescSet = true
	l.flushRemote()
	if err := l.signaler.Send(protocol.Answer(l.remote, l.local, answer)); err != nil {
		l.fail(err, "send answer")
		return
	}
	l.setState(StateLocalAnswerSent)
	l.flushLocal()
	if l.transportUp {
		l.connected()
	}
}

func (l *Link) acceptAnswer(sdp json.RawMessage) {
	if l.State() != StateLocalOfferSent {
		l.logger.Warn().Str("state", l.State().String()).Msg("unexpected answer, dropping")
		return
	}
	if err := l.transport.SetAnswer(sdp); err != nil {
		l.fail(err, "apply answer")
		return
	}
	l.remoteDescSet = true
	l.flushRemote()
	l.connected()
}

func (l *Link) connected() {
	if l.setState(StateConnected) {
		l.logger.Info().Msg("link connected")
		l.mgr.emit(Event{Kind: EventLinkConnected, Remote: l.remote})
	}
}

func (l *Link) addRemoteCandidate(c json.RawMessage) {
	if err := l.transport.AddCandidate(c); err != nil {
		l.logger.Warn().Err(err).Msg("add remote candidate")
	}
}

func (l *Link) sendCandidate(c json.RawMessage) {
	if err := l.signaler.Send(protocol.ICECandidate(l.remote, l.local, c)); err != nil {
		l.logger.Warn().Err(err).Msg("send candidate")
	}
}

func (l *Link) flushRemote() {
	for _, c := range l.pendingRemote {
		l.addRemoteCandidate(c)
	}
	l.pendingRemote = nil
}

func (l *Link) flushLocal() {
	for _, c := range l.pendingLocal {
		l.sendCandidate(c)
	}
	l.pendingLocal = nil
}

func (l *Link) fail(err error, op string) {
	if l.ctx.Err() != nil {
		return
	}
	l.logger.Error().Err(err).Str("op", op).Msg("negotiation failed")
	l.mgr.emit(Event{Kind: EventError, Remote: l.remote, Err: err})
	l.Close()
}

// Close stops local capture, releases the transport and removes the link
// from its manager. Calling it again has no effect.
func (l *Link) Close() {
	if l.release() {
		l.mgr.remove(l)
		l.logger.Info().Msg("link closed")
		l.mgr.emit(Event{Kind: EventLinkClosed, Remote: l.remote})
	}
}

// abort releases a link that never made it into the manager.
func (l *Link) abort() {
	if l.release() {
		l.logger.Debug().Msg("link aborted before opening")
	}
}

// attach hands the link its transport. It fails if the link was closed first.
func (l *Link) attach(tr MediaTransport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	l.transport = tr
	return true
}

// release runs once per link and reports whether this call did the work.
func (l *Link) release() bool {
	released := false
	l.closeOnce.Do(func() {
		released = true
		l.mu.Lock()
		l.state = StateClosed
		tr := l.transport
		l.mu.Unlock()
		l.cancel()

		if l.stream != nil {
			l.stream.Stop()
		}
		if tr != nil {
			if err := tr.Close(); err != nil {
				l.logger.Warn().Err(err).Msg("close transport")
			}
		}
	})
	return released
}

// Done is closed once the link's goroutine has exited.
func (l *Link) Done() <-chan struct{} { return l.done }
