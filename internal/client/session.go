package client

import (
	"context"
	"errors"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/peer"
	"github.com/rs/zerolog/log"
)

var ErrConnectionLost = errors.New("signaling connection lost")

// Session ties a Conn to the peer.Manager that negotiates over it.
type Session struct {
	Conn    *Conn
	Manager *peer.Manager
}

// Connect dials the broker and builds a manager that signals through it.
// cfg.Signaler is overwritten.
func Connect(ctx context.Context, serverURL, token string, cfg peer.Config) (*Session, error) {
	conn, err := Dial(ctx, serverURL, token)
	if err != nil {
		return nil, err
	}
	cfg.Signaler = conn
	return &Session{Conn: conn, Manager: peer.NewManager(cfg)}, nil
}

// Run feeds inbound envelopes to the manager until ctx ends, Close is
// called, or the broker goes away. The last case closes every link and
// returns ErrConnectionLost.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-s.Conn.Incoming():
			if !ok {
				if s.Conn.closedLocally() {
					return nil
				}
				s.Manager.ConnectionLost()
				return ErrConnectionLost
			}
			s.Manager.HandleEnvelope(env)
		}
	}
}

// Join enters room. Switching from another room first closes every link of
// the old one, the same way the broker takes the session out of it.
func (s *Session) Join(room domain.RoomID) error {
	if cur := s.Conn.Room(); cur != "" && cur != room {
		log.Info().Str("module", "client").Str("from_room", string(cur)).Str("room", string(room)).Msg("switching rooms")
		s.Manager.Leave()
	}
	log.Info().Str("module", "client").Str("room", string(room)).Msg("joining")
	return s.Conn.Join(room)
}

// Leave stops local media and closes every link before telling the broker.
func (s *Session) Leave() error {
	s.Manager.Leave()
	return s.Conn.Leave()
}

func (s *Session) Close() {
	s.Manager.Close()
	s.Conn.Close()
}
