package core

import (
	"errors"

	"github.com/dkeye/Huddle/internal/domain"
)

// Frame is one encoded signaling message.
type Frame []byte

var (
	// ErrBackpressure means the frame was queued but the oldest pending frame was evicted.
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend never blocks.
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to the router.
type PublishResult struct {
	SendTo     int
	Overflowed []domain.SessionID
	Failed     []domain.SessionID
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

// Add records the outcome of one TrySend.
func (r *PublishResult) Add(sid domain.SessionID, err error) {
	switch {
	case err == nil:
		r.SendTo++
	case errors.Is(err, ErrBackpressure):
		r.SendTo++
		r.Overflowed = append(r.Overflowed, sid)
	default:
		r.Failed = append(r.Failed, sid)
	}
}
