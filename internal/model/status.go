package model

// Status is the lifecycle state of a campaign. It is the single source of
// truth for what the system believes happened to a send.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Sendable reports whether a new dispatch run may be started from this
// status. A campaign already sending is not sendable: that is what rejects a
// second concurrent run.
func (s Status) Sendable() bool {
	return s == StatusDraft || s == StatusScheduled
}

// transitions is the legal lifecycle. sent is terminal. sending -> draft is
// the rollback arm taken when a run aborts; failed is re-enterable.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusSending},
	StatusScheduled: {StatusDraft, StatusSending},
	StatusSending:   {StatusSent, StatusDraft, StatusFailed},
	StatusFailed:    {StatusDraft, StatusSending},
}

// CanTransitionTo reports whether moving from s to next is legal. Pure; the
// dispatcher and repository enforce it around the actual writes.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
