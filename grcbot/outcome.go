package grcbot

// Outcome describes what happened to a single external action
// (a rules page, a welcome message, a role grant).
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeEdited      Outcome = "edited"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeSent        Outcome = "sent"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeAssigned    Outcome = "assigned"
	OutcomeAlreadyHeld Outcome = "already_held"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

func (o Outcome) String() string {
	return string(o)
}
