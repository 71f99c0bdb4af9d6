// Package protocol defines the signaling wire format shared by the broker and its clients.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/Huddle/internal/domain"
)

type Type string

const (
	TypeJoinRoom      Type = "join-room"
	TypeLeaveRoom     Type = "leave-room"
	TypeWelcome       Type = "welcome"
	TypeRoster        Type = "roster"
	TypeUserConnected Type = "user-connected"
	TypeOffer         Type = "offer"
	TypeAnswer        Type = "answer"
	TypeICECandidate  Type = "ice-candidate"
	TypePeerLeft      Type = "peer-left"
	TypeError         Type = "error"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeWhoAmI        Type = "whoami"
)

// Error codes carried by TypeError envelopes.
const (
	CodeBadPayload  = "bad_payload"
	CodeUnknownType = "unknown_type"
	CodeNotInRoom   = "not_in_room"
	CodeRateLimited = "rate_limited"
)

// Envelope is the single JSON frame exchanged over the signaling transport.
// SDP and Candidate are opaque to the broker and relayed byte-for-byte.
type Envelope struct {
	Type      Type               `json:"type"`
	RoomID    domain.RoomID      `json:"roomId,omitempty"`
	SessionID domain.SessionID   `json:"sessionId,omitempty"`
	Identity  domain.Identity    `json:"identity,omitempty"`
	Target    domain.SessionID   `json:"target,omitempty"`
	Caller    domain.SessionID   `json:"caller,omitempty"`
	From      domain.SessionID   `json:"from,omitempty"`
	SDP       json.RawMessage    `json:"sdp,omitempty"`
	Candidate json.RawMessage    `json:"candidate,omitempty"`
	Members   []domain.SessionID `json:"members,omitempty"`
	Code      string             `json:"code,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Sender returns the originating session of a relayed envelope.
func (e Envelope) Sender() domain.SessionID {
	if e.Type == TypeICECandidate {
		return e.From
	}
	return e.Caller
}

// Relayed reports whether the envelope is addressed to a single peer through the broker.
func (e Envelope) Relayed() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}

func JoinRoom(room domain.RoomID) Envelope {
	return Envelope{Type: TypeJoinRoom, RoomID: room}
}

func LeaveRoom() Envelope {
	return Envelope{Type: TypeLeaveRoom}
}

func Welcome(sid domain.SessionID, id domain.Identity) Envelope {
	return Envelope{Type: TypeWelcome, SessionID: sid, Identity: id}
}

func Roster(room domain.RoomID, members []domain.SessionID) Envelope {
	return Envelope{Type: TypeRoster, RoomID: room, Members: members}
}

func UserConnected(room domain.RoomID, sid domain.SessionID) Envelope {
	return Envelope{Type: TypeUserConnected, RoomID: room, SessionID: sid}
}

func PeerLeft(room domain.RoomID, sid domain.SessionID) Envelope {
	return Envelope{Type: TypePeerLeft, RoomID: room, SessionID: sid}
}

func Offer(target, caller domain.SessionID, sdp json.RawMessage) Envelope {
	return Envelope{Type: TypeOffer, Target: target, Caller: caller, SDP: sdp}
}

func Answer(target, caller domain.SessionID, sdp json.RawMessage) Envelope {
	return Envelope{Type: TypeAnswer, Target: target, Caller: caller, SDP: sdp}
}

func ICECandidate(target, from domain.SessionID, candidate json.RawMessage) Envelope {
	return Envelope{Type: TypeICECandidate, Target: target, From: from, Candidate: candidate}
}

func Error(code, msg string) Envelope {
	return Envelope{Type: TypeError, Code: code, Error: msg}
}
