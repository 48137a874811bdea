package flowstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
)

// State is the lifecycle state of a stored request
type State string

// Lifecycle states
const (
	StateQueued    State = "QUEUED"
	StateInProcess State = "IN_PROCESS"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions are allowed
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateInProcess, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Entry is the stored record of one flow request
type Entry struct {
	ProcessID  string       `json:"processId"`
	Request    flow.Request `json:"request"`
	State      State        `json:"state"`
	LeaseToken uint64       `json:"leaseToken"`
	LeaseOwner string       `json:"leaseOwner,omitempty"`
	LeasedAt   time.Time    `json:"leasedAt"`
	Messages   []string     `json:"messages,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`

	// Replaced is the terminal record a pending re-enqueue overwrote. It is
	// restored by Withdraw and dropped once the entry is leased.
	Replaced *Entry `json:"replaced,omitempty"`
}

func (e Entry) clone() Entry {
	e.Messages = slices.Clone(e.Messages)
	if e.Replaced != nil {
		prev := e.Replaced.clone()
		e.Replaced = &prev
	}
	return e
}

func newEntry(req flow.Request, now time.Time) Entry {
	return Entry{
		ProcessID:  req.ProcessID(),
		Request:    req,
		State:      StateQueued,
		LeaseToken: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// resubmit queues req over a terminal entry, keeping the terminal record so
// a rejected enqueue can put it back. Pending entries are a lease conflict.
func (e *Entry) resubmit(req flow.Request, now time.Time) error {
	if !e.State.Terminal() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is %s", errors.ErrLeaseConflict, e.ProcessID, e.State),
			"flowstore", "Enqueue", "enqueue entry")
	}
	prev := e.clone()
	prev.Replaced = nil
	e.requeue(req, now)
	e.Replaced = &prev
	return nil
}

// withdraw undoes the enqueue that produced token. It returns nil when the
// entry should be removed instead.
func (e *Entry) withdraw(token uint64, now time.Time) (*Entry, error) {
	if e.State != StateQueued || e.LeaseToken != token {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s is %s with token %d, withdrawing %d",
				errors.ErrLeaseConflict, e.ProcessID, e.State, e.LeaseToken, token),
			"flowstore", "Withdraw", "withdraw entry")
	}
	if e.Replaced == nil {
		return nil, nil
	}
	restored := e.Replaced.clone()
	restored.LeaseToken = e.LeaseToken + 1
	restored.UpdatedAt = now
	return &restored, nil
}

// requeue moves an existing entry back to QUEUED for a new enqueue or a
// recovery. Only non-leased states and recovery may do this.
func (e *Entry) requeue(req flow.Request, now time.Time) {
	e.Request = req
	e.State = StateQueued
	e.LeaseToken++
	e.LeaseOwner = ""
	e.LeasedAt = time.Time{}
	e.Messages = nil
	e.UpdatedAt = now
}

func (e *Entry) lease(owner string, now time.Time) error {
	if e.State != StateQueued {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is %s", errors.ErrInvalidTransition, e.ProcessID, e.State),
			"flowstore", "Lease", "lease entry")
	}
	e.State = StateInProcess
	e.Replaced = nil
	e.LeaseToken++
	e.LeaseOwner = owner
	e.LeasedAt = now
	e.UpdatedAt = now
	return nil
}

func (e *Entry) finish(method string, token uint64, state State, messages []string, now time.Time) error {
	if e.State != StateInProcess {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is %s", errors.ErrInvalidTransition, e.ProcessID, e.State),
			"flowstore", method, "finish entry")
	}
	if e.LeaseToken != token {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s token %d, held %d", errors.ErrLeaseConflict, e.ProcessID, e.LeaseToken, token),
			"flowstore", method, "finish entry")
	}
	e.State = state
	e.LeaseToken++
	e.Messages = slices.Clone(messages)
	e.UpdatedAt = now
	return nil
}

func notFound(method, processID string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrKeyNotFound, processID),
		"flowstore", method, "lookup entry")
}
