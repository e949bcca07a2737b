package compliance

import "fmt"

// PaymentStatus is the lifecycle state of an order's payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPaid, PaymentFailed},
	PaymentFailed:   {PaymentPending},
	PaymentPaid:     {PaymentRefunded},
	PaymentRefunded: nil,
}

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// CanTransition reports whether the order may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is allowed.
func (s PaymentStatus) Transition(next PaymentStatus) (PaymentStatus, error) {
	if !s.CanTransition(next) {
		return s, &TransitionError{Machine: "payment", From: string(s), To: string(next)}
	}
	return next, nil
}

// DeletionStatus is the state of a subject deletion request.
type DeletionStatus string

const (
	DeletionRequested DeletionStatus = "requested"
	DeletionConfirmed DeletionStatus = "confirmed"
	DeletionExpired   DeletionStatus = "expired"
	DeletionRejected  DeletionStatus = "rejected"
	DeletionExecuting DeletionStatus = "executing"
	DeletionDone      DeletionStatus = "done"
)

var deletionTransitions = map[DeletionStatus][]DeletionStatus{
	DeletionRequested: {DeletionConfirmed, DeletionExpired, DeletionRejected},
	DeletionConfirmed: {DeletionExecuting},
	DeletionExecuting: {DeletionDone},
	DeletionExpired:   nil,
	DeletionRejected:  nil,
	DeletionDone:      nil,
}

// Terminal reports whether no further transition is possible.
func (s DeletionStatus) Terminal() bool {
	next, ok := deletionTransitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether the request may move from s to next.
func (s DeletionStatus) CanTransition(next DeletionStatus) bool {
	for _, allowed := range deletionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move is allowed.
func (s DeletionStatus) Transition(next DeletionStatus) (DeletionStatus, error) {
	if !s.CanTransition(next) {
		return s, &TransitionError{Machine: "deletion", From: string(s), To: string(next)}
	}
	return next, nil
}

// TransitionError is returned for a move the transition table does not allow.
type TransitionError struct {
	Machine string
	From    string
	To      string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Machine, e.From, e.To)
}
