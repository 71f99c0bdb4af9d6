package peer

import "github.com/dkeye/Huddle/internal/domain"

type EventKind int

const (
	EventLinkConnected EventKind = iota
	EventLinkClosed
	EventRemoteTrack
	EventError
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventLinkConnected:
		return "link-connected"
	case EventLinkClosed:
		return "link-closed"
	case EventRemoteTrack:
		return "remote-track"
	case EventError:
		return "error"
	case EventConnectionLost:
		return "connection-lost"
	}
	return "unknown"
}

type Event struct {
	Kind   EventKind
	Remote domain.SessionID
	Track  RemoteTrack
	Err    error
}
