package payment

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a transition the state machine does not allow.
var ErrInvalidTransition = errors.New("payment: invalid state transition")

// State is a step of one checkout attempt.
type State string

const (
	Idle         State = "IDLE"
	TokenPending State = "TOKEN_PENDING"
	Submitting   State = "SUBMITTING"
	Success      State = "SUCCESS"
	Failed       State = "FAILED"
)

// Machine is the submission state machine of one checkout session. It is a
// plain value so it can be persisted with the session.
type Machine struct {
	State  State  `json:"state"`
	Method Method `json:"method,omitempty"`
	// Error is the page-level message of the last failed attempt.
	Error string `json:"error,omitempty"`
}

func (m *Machine) current() State {
	if m.State == "" {
		return Idle
	}
	return m.State
}

func (m *Machine) move(next State, allowed ...State) error {
	cur := m.current()
	for _, s := range allowed {
		if s == cur {
			m.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
}

// Begin selects method and requests a fresh token. A failed attempt may be
// retried from Idle or Failed.
func (m *Machine) Begin(method Method) error {
	if err := m.move(TokenPending, Idle, Failed); err != nil {
		return err
	}
	m.Method = method
	m.Error = ""
	return nil
}

// Submit records that the token is minted and the payload is on its way.
func (m *Machine) Submit() error {
	return m.move(Submitting, TokenPending)
}

// Succeed marks the attempt as complete. Success is terminal.
func (m *Machine) Succeed() error {
	return m.move(Success, Submitting)
}

// Fail records err and returns the machine to Idle so the buyer can resubmit.
func (m *Machine) Fail(err error) error {
	if moveErr := m.move(Failed, TokenPending, Submitting); moveErr != nil {
		return moveErr
	}
	if err != nil {
		m.Error = err.Error()
	}
	m.State = Idle
	return nil
}

// Busy reports whether an attempt is in flight.
func (m *Machine) Busy() bool {
	s := m.current()
	return s == TokenPending || s == Submitting
}

// Done reports whether the attempt succeeded.
func (m *Machine) Done() bool { return m.current() == Success }
