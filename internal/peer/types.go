// Package peer drives WebRTC negotiation on the client side: one PeerLink
// state machine per remote session, fed by signaling envelopes.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/protocol"
)

var (
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrLinkExists       = errors.New("peer link already exists")
	ErrClosed           = errors.New("peer manager closed")
	ErrNoSession        = errors.New("local session id unknown")
)

type State int

const (
	StateIdle State = iota
	StateLocalOfferSent
	StateRemoteOfferReceived
	StateLocalAnswerSent
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalOfferSent:
		return "local-offer-sent"
	case StateRemoteOfferReceived:
		return "remote-offer-received"
	case StateLocalAnswerSent:
		return "local-answer-sent"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// CandidateMode fixes how network candidates travel. It changes message
// cardinality, so both sides of a room are expected to use the same mode.
type CandidateMode int

const (
	// Batched waits for gathering to finish and ships every candidate inside
	// the offer/answer payload.
	Batched CandidateMode = iota
	// Incremental sends each candidate as its own envelope as soon as found.
	Incremental
)

func (m CandidateMode) String() string {
	if m == Incremental {
		return "incremental"
	}
	return "batched"
}

func ParseCandidateMode(s string) (CandidateMode, error) {
	switch s {
	case "batched", "":
		return Batched, nil
	case "incremental":
		return Incremental, nil
	}
	return Batched, fmt.Errorf("unknown candidate mode %q", s)
}

// PairKey identifies the unordered pair of sessions a PeerLink connects.
type PairKey struct {
	A, B domain.SessionID
}

func Pair(x, y domain.SessionID) PairKey {
	if y < x {
		x, y = y, x
	}
	return PairKey{A: x, B: y}
}

type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// MediaStream is a local capture handle attached to exactly one link.
type MediaStream interface {
	SetEnabled(kind TrackKind, enabled bool)
	// Stop releases the capture devices. It must be safe to call twice.
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context) (MediaStream, error)
}

// RemoteTrack is handed to the UI layer; Handle is the transport's own track
// object.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     TrackKind
	Handle   any
}

// TransportHooks are the transport's upcalls. They may fire on any goroutine.
type TransportHooks struct {
	OnCandidate func(candidate json.RawMessage)
	OnConnected func()
	OnFailed    func()
	OnTrack     func(RemoteTrack)
}

// MediaTransport is one peer-to-peer media session. Descriptions and
// candidates are opaque JSON blobs.
type MediaTransport interface {
	AddStream(MediaStream) error
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	CreateAnswer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	SetAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

type TransportFactory interface {
	NewTransport(mode CandidateMode, hooks TransportHooks) (MediaTransport, error)
}

// Signaler delivers envelopes to the broker.
type Signaler interface {
	Send(env protocol.Envelope) error
}
