package model

import "time"

// LockState is the state of the session state machine.
type LockState string

const (
	StateLocked    LockState = "locked"
	StateUnlocking LockState = "unlocking"
	StateUnlocked  LockState = "unlocked"
)

// SessionSnapshot is a consistent view of the session.
type SessionSnapshot struct {
	State       LockState `json:"state"`
	ActiveDID   string    `json:"activeDid,omitempty"`
	ActiveIndex int32     `json:"activeIndex"`
	Epoch       uint64    `json:"epoch"`
}

// Unlocked reports whether the snapshot was taken while unlocked.
func (s SessionSnapshot) Unlocked() bool { return s.State == StateUnlocked }

// StateEvent is what the broadcaster fans out to subscribers.
type StateEvent struct {
	Seq             uint64           `json:"seq"`
	At              time.Time        `json:"at"`
	VaultExists     bool             `json:"vaultExists"`
	Session         SessionSnapshot  `json:"session"`
	Identities      []IdentityRecord `json:"identities,omitempty"`
	PendingConsents []ConsentRequest `json:"pendingConsents,omitempty"`
}
