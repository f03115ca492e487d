package domain

type TransitionOutcome string

const (
	TransitionApplied           TransitionOutcome = "applied"
	TransitionAlreadyApplied    TransitionOutcome = "already_applied"
	TransitionNotFound          TransitionOutcome = "not_found"
	TransitionInvalidPriorState TransitionOutcome = "invalid_prior_state"
	TransitionPersistenceError  TransitionOutcome = "persistence_error"
)

// TransitionResult reports how a conditional status change resolved.
// Record is set for Applied and AlreadyApplied; PriorStatus for
// InvalidPriorState.
type TransitionResult struct {
	Outcome     TransitionOutcome
	Record      *Payment
	PriorStatus Status
}
