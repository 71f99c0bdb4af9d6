package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/Huddle/internal/domain"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
)

var validate = validator.New()

// Decode parses and validates one inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode marshals env without HTML escaping. The sdp and candidate payloads
// are spliced in as received, so their bytes reach the peer unchanged.
func Encode(env Envelope) ([]byte, error) {
	sdp, candidate := env.SDP, env.Candidate
	env.SDP, env.Candidate = nil, nil

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	// Drop the closing brace; "type" is always present so the object is never empty.
	out = out[:len(out)-1]
	var err error
	if out, err = appendRaw(out, "sdp", sdp); err != nil {
		return nil, err
	}
	if out, err = appendRaw(out, "candidate", candidate); err != nil {
		return nil, err
	}
	return append(out, '}'), nil
}

func appendRaw(dst []byte, key string, raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return dst, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrMalformed, key)
	}
	dst = append(dst, `,"`...)
	dst = append(dst, key...)
	dst = append(dst, `":`...)
	return append(dst, raw...), nil
}

// Validate checks the fields each envelope type requires.
func Validate(env Envelope) error {
	var err error
	switch env.Type {
	case TypeJoinRoom, TypeRoster:
		err = validate.Var(string(env.RoomID), fmt.Sprintf("required,max=%d", domain.MaxRoomIDLen))
	case TypeOffer, TypeAnswer:
		if err = validateSession(env.Target); err == nil {
			err = validate.Var([]byte(env.SDP), "required,min=2")
		}
	case TypeICECandidate:
		if err = validateSession(env.Target); err == nil {
			err = validate.Var([]byte(env.Candidate), "required,min=2")
		}
	case TypeUserConnected, TypePeerLeft, TypeWelcome:
		err = validateSession(env.SessionID)
	case TypeLeaveRoom, TypePing, TypePong, TypeWhoAmI, TypeError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func validateSession(sid domain.SessionID) error {
	return validate.Var(string(sid), "required,max=128")
}
