package app

import "github.com/dkeye/Huddle/internal/domain"

// Presence mirrors live membership to an external store. Implementations must
// not block the caller.
type Presence interface {
	Joined(room domain.RoomID, m domain.Member)
	Left(room domain.RoomID, sid domain.SessionID)
}
