package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

const DefaultCandidateTTL = 5 * time.Second

type Config struct {
	Mode         CandidateMode
	CandidateTTL time.Duration
	Media        MediaSource
	Transports   TransportFactory
	Signaler     Signaler
	EventBuffer  int
	// Now overrides the clock used by the candidate buffer.
	Now func() time.Time
}

// Manager owns every PeerLink of one local session. HandleEnvelope never
// blocks on media acquisition; links toward different remotes progress
// independently.
type Manager struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	buffer *candidateBuffer
	events chan Event

	mu      sync.Mutex
	local   domain.SessionID
	room    domain.RoomID
	links   map[PairKey]*Link
	pending map[PairKey]struct{}
	enabled map[TrackKind]bool
	closed  bool
}

func NewManager(cfg Config) *Manager {
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = DefaultCandidateTTL
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		buffer:  newCandidateBuffer(cfg.CandidateTTL, cfg.Now),
		events:  make(chan Event, cfg.EventBuffer),
		links:   make(map[PairKey]*Link),
		pending: make(map[PairKey]struct{}),
		enabled: make(map[TrackKind]bool),
	}
	go m.sweep()
	return m
}

func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) LocalID() domain.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

func (m *Manager) SetLocal(sid domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = sid
}

func (m *Manager) Room() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// HandleEnvelope applies one envelope from the broker.
func (m *Manager) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeWelcome:
		m.SetLocal(env.SessionID)
		log.Info().Str("module", "peer").Str("sid", string(env.SessionID)).Str("identity", string(env.Identity)).Msg("session established")
	case protocol.TypeRoster:
		m.mu.Lock()
		prev := m.room
		m.room = env.RoomID
		m.mu.Unlock()
		if prev != "" && prev != env.RoomID {
			// The broker already took us out of prev; nobody there will send peer-left.
			log.Info().Str("module", "peer").Str("from_room", string(prev)).Str("room", string(env.RoomID)).Msg("room switched, closing old links")
			m.closeAll()
		}
		log.Info().Str("module", "peer").Str("room", string(env.RoomID)).Int("members", len(env.Members)).Msg("roster received")
		for _, remote := range env.Members {
			go m.callAsync(remote)
		}
	case protocol.TypeUserConnected:
		log.Info().Str("module", "peer").Str("remote", string(env.SessionID)).Msg("peer joined, awaiting offer")
	case protocol.TypeOffer:
		m.acceptOffer(env.Sender(), env.SDP)
	case protocol.TypeAnswer:
		link := m.Link(env.Sender())
		if link == nil {
			log.Debug().Str("module", "peer").Str("remote", string(env.Sender())).Msg("answer without link, dropping")
			return
		}
		link.enqueue(linkEvent{kind: evRemoteAnswer, payload: env.SDP})
	case protocol.TypeICECandidate:
		m.remoteCandidate(env.Sender(), env.Candidate)
	case protocol.TypePeerLeft:
		m.CloseLink(env.SessionID)
	case protocol.TypeError:
		log.Warn().Str("module", "peer").Str("code", env.Code).Str("error", env.Error).Msg("broker error")
		m.emit(Event{Kind: EventError, Err: fmt.Errorf("broker: %s: %s", env.Code, env.Error)})
	case protocol.TypePong, protocol.TypeWhoAmI:
	default:
		log.Warn().Str("module", "peer").Str("type", string(env.Type)).Msg("unexpected envelope")
	}
}

// Call opens a link toward remote with the local session as initiator. It
// blocks while local media is acquired; a media failure is returned wrapped
// in ErrMediaUnavailable and leaves no link behind.
func (m *Manager) Call(ctx context.Context, remote domain.SessionID) error {
	key, local, err := m.reserve(remote)
	if err != nil {
		return err
	}
	stream, err := m.acquire(ctx)
	if err != nil {
		m.release(key)
		return err
	}
	return m.open(key, local, remote, true, stream, linkEvent{kind: evStartOffer})
}

func (m *Manager) callAsync(remote domain.SessionID) {
	if err := m.Call(m.ctx, remote); err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(remote)).Msg("call failed")
		if !errors.Is(err, ErrLinkExists) {
			m.emit(Event{Kind: EventError, Remote: remote, Err: err})
		}
	}
}

func (m *Manager) acceptOffer(caller domain.SessionID, sdp json.RawMessage) {
	key, local, err := m.reserve(caller)
	if err != nil {
		log.Warn().Err(err).Str("module", "peer").Str("remote", string(caller)).Msg("offer dropped")
		return
	}
	go func() {
		stream, err := m.acquire(m.ctx)
		if err != nil {
			m.release(key)
			log.Warn().Err(err).Str("module", "peer").Str("remote", string(caller)).Msg("cannot answer")
			m.emit(Event{Kind: EventError, Remote: caller, Err: err})
			return
		}
		if err := m.open(key, local, caller, false, stream, linkEvent{kind: evRemoteOffer, payload: sdp}); err != nil {
			log.Warn().Err(err).Str("module", "peer").Str("remote", string(caller)).Msg("cannot answer")
			m.emit(Event{Kind: EventError, Remote: caller, Err: err})
		}
	}()
}

func (m *Manager) remoteCandidate(from domain.SessionID, c json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Pair(m.local, from)
	if link, ok := m.links[key]; ok {
		link.enqueue(linkEvent{kind: evRemoteCandidate, payload: c})
		return
	}
	if !m.buffer.Add(key, c) {
		log.Warn().Str("module", "peer").Str("remote", string(from)).Msg("candidate buffer full, dropped oldest")
	}
}

func (m *Manager) reserve(remote domain.SessionID) (PairKey, domain.SessionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return PairKey{}, "", ErrClosed
	}
	if m.local == "" {
		return PairKey{}, "", ErrNoSession
	}
	if remote == "" || remote == m.local {
		return PairKey{}, "", fmt.Errorf("invalid remote session %q", remote)
	}
	key := Pair(m.local, remote)
	if _, ok := m.links[key]; ok {
		return key, "", ErrLinkExists
	}
	if _, ok := m.pending[key]; ok {
		return key, "", ErrLinkExists
	}
	m.pending[key] = struct{}{}
	return key, m.local, nil
}

func (m *Manager) release(key PairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
}

func (m *Manager) acquire(ctx context.Context) (MediaStream, error) {
	stream, err := m.cfg.Media.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	m.mu.Lock()
	for kind, on := range m.enabled {
		stream.SetEnabled(kind, on)
	}
	m.mu.Unlock()
	return stream, nil
}

// open builds the transport and registers the link. If the reservation was
// revoked while media was being acquired, everything is released.
func (m *Manager) open(key PairKey, local, remote domain.SessionID, initiator bool, stream MediaStream, first linkEvent) error {
	link := newLink(m.ctx, m, local, remote, initiator, stream)
	tr, err := m.cfg.Transports.NewTransport(m.cfg.Mode, link.hooks())
	if err != nil {
		link.abort()
		m.release(key)
		return fmt.Errorf("new transport: %w", err)
	}
	if !link.attach(tr) {
		// A failure hook closed the link before the transport was attached.
		_ = tr.Close()
		m.release(key)
		return ErrClosed
	}
	if err := tr.AddStream(stream); err != nil {
		link.abort()
		m.release(key)
		return fmt.Errorf("attach stream: %w", err)
	}

	m.mu.Lock()
	_, reserved := m.pending[key]
	delete(m.pending, key)
	if !reserved || m.closed || link.State() == StateClosed {
		m.mu.Unlock()
		link.abort()
		return ErrClosed
	}
	m.links[key] = link
	link.enqueue(first)
	for _, c := range m.buffer.Take(key) {
		link.enqueue(linkEvent{kind: evRemoteCandidate, payload: c})
	}
	m.mu.Unlock()

	log.Info().Str("module", "peer").Str("remote", string(remote)).Bool("initiator", initiator).Str("mode", m.cfg.Mode.String()).Msg("link opened")
	go link.run()
	return nil
}

func (m *Manager) remove(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[l.key] == l {
		delete(m.links, l.key)
	}
}

func (m *Manager) Link(remote domain.SessionID) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[Pair(m.local, remote)]
}

func (m *Manager) State(remote domain.SessionID) (State, bool) {
	link := m.Link(remote)
	if link == nil {
		return StateClosed, false
	}
	return link.State(), true
}

// Remotes lists the sessions with an open link, sorted.
func (m *Manager) Remotes() []domain.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.SessionID, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.remote)
	}
	slices.Sort(out)
	return out
}

// CloseLink tears down the link toward remote locally, including one still
// waiting for media.
func (m *Manager) CloseLink(remote domain.SessionID) {
	m.mu.Lock()
	key := Pair(m.local, remote)
	link := m.links[key]
	delete(m.pending, key)
	m.mu.Unlock()

	m.buffer.Drop(key)
	if link != nil {
		link.Close()
	}
}

// Leave closes every link and forgets the room.
func (m *Manager) Leave() {
	m.mu.Lock()
	m.room = ""
	m.mu.Unlock()
	m.closeAll()
}

// ConnectionLost reacts to the signaling transport going away: every link is
// closed and the session id is forgotten.
func (m *Manager) ConnectionLost() {
	m.mu.Lock()
	m.room = ""
	m.local = ""
	m.mu.Unlock()
	log.Warn().Str("module", "peer").Msg("signaling connection lost")
	m.emit(Event{Kind: EventConnectionLost})
	m.closeAll()
}

func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.closeAll()
	m.cancel()
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	clear(m.pending)
	m.mu.Unlock()

	m.buffer.Reset()
	for _, l := range links {
		l.Close()
	}
}

// SetTrackEnabled mutes or unmutes every local track of kind, including
// those of links opened later.
func (m *Manager) SetTrackEnabled(kind TrackKind, enabled bool) {
	m.mu.Lock()
	m.enabled[kind] = enabled
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		if l.stream != nil {
			l.stream.SetEnabled(kind, enabled)
		}
	}
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("module", "peer").Str("event", ev.Kind.String()).Msg("event queue full, dropping")
	}
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.cfg.CandidateTTL)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.buffer.Sweep()
		}
	}
}
