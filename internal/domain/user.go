// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxIdentityLen = 128
)

var (
	ErrIdentityTooLong = errors.New("identity too long")
	ErrIdentityEmpty   = errors.New("identity empty")
)

// SessionID names one live transport connection. It is never reused.
type SessionID string

// NewSessionID returns a fresh random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Identity is bound by the authentication subsystem; the broker trusts it as-is.
type Identity string

func (i Identity) Validate() error {
	if len(i) == 0 {
		return ErrIdentityEmpty
	}
	if len(i) > MaxIdentityLen {
		return ErrIdentityTooLong
	}
	return nil
}
