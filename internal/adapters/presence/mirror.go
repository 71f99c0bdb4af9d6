package presence

import (
	"context"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/rs/zerolog/log"
)

type opKind int

const (
	opAdd opKind = iota
	opRemove
)

type op struct {
	kind   opKind
	room   domain.RoomID
	member domain.SessionID
}

// Mirror keeps an external store in sync with room membership. Updates are
// queued and applied by Run; a full queue drops the update.
type Mirror struct {
	store   Store
	ttl     time.Duration
	timeout time.Duration
	ops     chan op
}

func NewMirror(store Store, ttl time.Duration, queue int) *Mirror {
	if queue < 1 {
		queue = 1
	}
	return &Mirror{
		store:   store,
		ttl:     ttl,
		timeout: 2 * time.Second,
		ops:     make(chan op, queue),
	}
}

func (m *Mirror) Joined(room domain.RoomID, member domain.Member) {
	m.enqueue(op{kind: opAdd, room: room, member: member.SessionID})
}

func (m *Mirror) Left(room domain.RoomID, sid domain.SessionID) {
	m.enqueue(op{kind: opRemove, room: room, member: sid})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		log.Warn().Str("module", "adapters.presence").Str("room", string(o.room)).Str("sid", string(o.member)).Msg("presence queue full, update dropped")
	}
}

// Run applies queued updates until ctx is canceled.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-m.ops:
			m.apply(ctx, o)
		}
	}
}

func (m *Mirror) apply(ctx context.Context, o op) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := PeersKey(string(o.room))
	var err error
	switch o.kind {
	case opAdd:
		err = m.store.Add(ctx, key, string(o.member), m.ttl)
	case opRemove:
		err = m.store.Remove(ctx, key, string(o.member))
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.presence").Str("key", key).Str("sid", string(o.member)).Msg("presence update failed")
	}
}
