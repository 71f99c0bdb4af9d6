package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

var (
	ErrRateLimited = errors.New("rate limited")
	ErrNotInRoom   = errors.New("not in a room")
)

// Router consumes inbound envelopes and forwards them to the right sessions.
// Each session's envelopes are handled on that session's read loop, so
// operations for one session never interleave.
type Router struct {
	Sessions *Registry
	Rooms    *RoomRegistry
	Policy   Policy
	Presence Presence
	Joins    *RateLimiter
}

func NewRouter(policy Policy, presence Presence, joins *RateLimiter) *Router {
	return &Router{
		Sessions: NewRegistry(),
		Rooms:    NewRoomRegistry(),
		Policy:   policy,
		Presence: presence,
		Joins:    joins,
	}
}

// Connect registers a new session and greets it with its session id.
func (r *Router) Connect(sid domain.SessionID, id domain.Identity, conn core.SignalConnection, cancel context.CancelFunc) {
	r.Sessions.Bind(sid, id, conn, cancel)
	r.send(sid, protocol.Welcome(sid, id))
}

// Disconnect is the implicit leave on transport close. It discards every piece
// of server-held state for sid.
func (r *Router) Disconnect(sid domain.SessionID) {
	r.leave(sid)
	r.Sessions.Unbind(sid)
	if r.Joins != nil {
		r.Joins.Forget(sid)
	}
}

// HandleFrame decodes one inbound frame. Malformed frames are dropped and the
// session stays alive.
func (r *Router) HandleFrame(sid domain.SessionID, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.router").Str("sid", string(sid)).Msg("protocol error")
		code := protocol.CodeBadPayload
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		r.send(sid, protocol.Error(code, err.Error()))
		return
	}
	r.Handle(sid, env)
}

func (r *Router) Handle(sid domain.SessionID, env protocol.Envelope) {
	if env.Relayed() {
		r.relay(sid, env)
		return
	}
	switch env.Type {
	case protocol.TypeJoinRoom:
		if err := r.Join(sid, env.RoomID); err != nil {
			code := protocol.CodeBadPayload
			if errors.Is(err, ErrRateLimited) {
				code = protocol.CodeRateLimited
			}
			r.send(sid, protocol.Error(code, err.Error()))
		}
	case protocol.TypeLeaveRoom:
		r.leave(sid)
	case protocol.TypePing:
		r.send(sid, protocol.Envelope{Type: protocol.TypePong})
	case protocol.TypeWhoAmI:
		r.whoami(sid)
	default:
		log.Warn().Str("module", "app.router").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("unexpected envelope from client")
	}
}

// Join moves sid into room. The newcomer receives the pre-existing members as
// its roster and is the initiator toward each of them; every pre-existing
// member gets exactly one user-connected notice.
func (r *Router) Join(sid domain.SessionID, room domain.RoomID) error {
	if err := room.Validate(); err != nil {
		return err
	}
	if r.Joins != nil && !r.Joins.Allow(sid) {
		return ErrRateLimited
	}
	sess, ok := r.Sessions.Get(sid)
	if !ok {
		return core.ErrClosed
	}
	if cur, ok := r.Sessions.RoomOf(sid); ok && cur != room {
		log.Info().Str("module", "app.router").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("switching rooms")
		r.leave(sid)
	}

	joined, err := protocol.Encode(protocol.UserConnected(room, sid))
	if err != nil {
		return err
	}
	roster := func(existing []domain.SessionID) core.Frame {
		frame, err := protocol.Encode(protocol.Roster(room, existing))
		if err != nil {
			log.Error().Err(err).Str("module", "app.router").Msg("encode roster")
			return nil
		}
		return frame
	}
	existing, added, res := r.Rooms.Join(room, sid, sess.Conn, Announce{Roster: roster, Joined: joined})
	r.Sessions.SetRoom(sid, room)

	log.Info().Str("module", "app.router").Str("sid", string(sid)).Str("room", string(room)).Int("roster", len(existing)).Bool("added", added).Msg("join")
	if added && r.Presence != nil {
		r.Presence.Joined(room, domain.Member{SessionID: sid, Identity: sess.Identity})
	}
	r.onResult(room, res)
	return nil
}

func (r *Router) leave(sid domain.SessionID) {
	room, ok := r.Sessions.RoomOf(sid)
	if !ok {
		return
	}
	r.Sessions.ClearRoom(sid)
	frame, err := protocol.Encode(protocol.PeerLeft(room, sid))
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode peer-left")
		frame = nil
	}
	removed, res := r.Rooms.Leave(room, sid, frame)
	if !removed {
		return
	}
	log.Info().Str("module", "app.router").Str("sid", string(sid)).Str("room", string(room)).Msg("leave")
	if r.Presence != nil {
		r.Presence.Left(room, sid)
	}
	r.onResult(room, res)
}

// relay forwards offer/answer/candidate to a member of the sender's room. The
// sender field is stamped by the broker and the payload is not interpreted.
func (r *Router) relay(sid domain.SessionID, env protocol.Envelope) {
	logger := log.With().Str("module", "app.router").Str("sid", string(sid)).Str("type", string(env.Type)).Str("target", string(env.Target)).Logger()

	room, ok := r.Sessions.RoomOf(sid)
	if !ok {
		logger.Warn().Msg("relay outside of a room")
		r.send(sid, protocol.Error(protocol.CodeNotInRoom, ErrNotInRoom.Error()))
		return
	}
	conn, ok := r.Rooms.Lookup(room, env.Target)
	if !ok {
		logger.Debug().Msg("target gone, dropping")
		return
	}

	if env.Type == protocol.TypeICECandidate {
		env.From = sid
	} else {
		env.Caller = sid
	}
	env.RoomID = ""
	frame, err := protocol.Encode(env)
	if err != nil {
		logger.Error().Err(err).Msg("encode relay")
		return
	}
	var res core.PublishResult
	res.Add(env.Target, conn.TrySend(frame))
	r.onResult(room, res)
}

func (r *Router) whoami(sid domain.SessionID) {
	sess, ok := r.Sessions.Get(sid)
	if !ok {
		return
	}
	resp := protocol.Envelope{Type: protocol.TypeWhoAmI, SessionID: sid, Identity: sess.Identity}
	if room, ok := r.Sessions.RoomOf(sid); ok {
		resp.RoomID = room
	}
	r.send(sid, resp)
}

func (r *Router) send(sid domain.SessionID, env protocol.Envelope) {
	sess, ok := r.Sessions.Get(sid)
	if !ok {
		return
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("encode")
		return
	}
	var res core.PublishResult
	res.Add(sid, sess.Conn.TrySend(frame))
	r.onResult("", res)
}

func (r *Router) onResult(room domain.RoomID, res core.PublishResult) {
	for _, sid := range res.Failed {
		log.Debug().Str("module", "app.router").Str("sid", string(sid)).Str("room", string(room)).Msg("delivery failed, session closing")
	}
	for _, sid := range res.Overflowed {
		action := Warn
		if r.Policy != nil {
			action = r.Policy.OnBackPressure(sid)
		}
		switch action {
		case KickMember:
			log.Warn().Str("module", "app.router").Str("sid", string(sid)).Msg("outbound queue overflow, kicking")
			r.Sessions.Cancel(sid)
		case Warn:
			log.Warn().Str("module", "app.router").Str("sid", string(sid)).Msg("outbound queue overflow, dropped oldest")
		case NoAction:
		}
	}
}

// Members lists the live members of room with their identities.
func (r *Router) Members(room domain.RoomID) []domain.Member {
	sids := r.Rooms.Members(room)
	out := make([]domain.Member, 0, len(sids))
	for _, sid := range sids {
		id, _ := r.Sessions.Identity(sid)
		out = append(out, domain.Member{SessionID: sid, Identity: id})
	}
	return out
}
