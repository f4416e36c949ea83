package domain

import "errors"

type SessionStatus string

// remember to add new statuses to the validSessionStatuses map
const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusExpired   SessionStatus = "expired"
)

var validSessionStatuses = map[SessionStatus]struct{}{
	SessionStatusPending:   {},
	SessionStatusCompleted: {},
	SessionStatusCancelled: {},
	SessionStatusExpired:   {},
}

// sessionTransitions is the whole state machine: pending is the only
// non-terminal state and every legal move starts there.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusCompleted, SessionStatusCancelled, SessionStatusExpired},
}

func ToSessionStatus(s string) (SessionStatus, error) {
	status := SessionStatus(s)
	if _, ok := validSessionStatuses[status]; ok {
		return status, nil
	}

	return "", errors.New("invalid session status")
}

func (s SessionStatus) Terminal() bool {
	return len(sessionTransitions[s]) == 0
}

func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// PaymentState is a sub-state of a pending session, not a status of its own.
// A verifying session has an in-flight or ambiguous PSP capture and must be
// reconciled before any further complete attempt.
type PaymentState string

const (
	PaymentStateNone      PaymentState = "none"
	PaymentStateVerifying PaymentState = "verifying"
	PaymentStateCaptured  PaymentState = "captured"
)

var validPaymentStates = map[PaymentState]struct{}{
	PaymentStateNone:      {},
	PaymentStateVerifying: {},
	PaymentStateCaptured:  {},
}

func ToPaymentState(s string) (PaymentState, error) {
	state := PaymentState(s)
	if _, ok := validPaymentStates[state]; ok {
		return state, nil
	}

	return "", errors.New("invalid payment state")
}
