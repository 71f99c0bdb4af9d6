package domain

// Member is a read-only view of a room participant for APIs.
// No transport or lifecycle logic here.
type Member struct {
	SessionID SessionID `json:"sessionId"`
	Identity  Identity  `json:"identity"`
}
