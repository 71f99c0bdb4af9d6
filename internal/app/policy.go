package app

import "github.com/dkeye/Huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	Warn
	KickMember
)

// Policy decides what happens to a session whose outbound queue overflowed.
// The oldest frame is already gone by the time it is consulted.
type Policy interface {
	OnBackPressure(sid domain.SessionID) BackpressureAction
}

type SimplePolicy struct {
	Kick bool
}

func (p SimplePolicy) OnBackPressure(domain.SessionID) BackpressureAction {
	if p.Kick {
		return KickMember
	}
	return Warn
}
