package domain

import "errors"

const MaxRoomIDLen = 128

var (
	ErrRoomIDEmpty   = errors.New("room id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

// RoomID is supplied by the team-management subsystem (usually a team id).
type RoomID string

func (id RoomID) Validate() error {
	if len(id) == 0 {
		return ErrRoomIDEmpty
	}
	if len(id) > MaxRoomIDLen {
		return ErrRoomIDTooLong
	}
	return nil
}
