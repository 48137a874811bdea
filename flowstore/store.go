package flowstore

import (
	"context"

	"github.com/c360/dataplane/flow"
)

// Store persists flow request entries keyed by process id.
//
// Implementations must be safe for concurrent use. Transitions on a single
// process id are serialized by the store.
type Store interface {
	// Enqueue records req as QUEUED. A terminal entry for the same process
	// id is replaced; a QUEUED or IN_PROCESS one is a lease conflict.
	Enqueue(ctx context.Context, req flow.Request) (Entry, error)

	// Withdraw undoes the Enqueue that returned token, restoring the terminal
	// entry it replaced or removing the entry. The entry must still be
	// QUEUED with that token.
	Withdraw(ctx context.Context, processID string, token uint64) error

	// Lease moves a QUEUED entry to IN_PROCESS for owner and returns it with
	// its new token.
	Lease(ctx context.Context, processID, owner string) (Entry, error)

	// Complete marks a leased entry COMPLETED.
	Complete(ctx context.Context, processID string, token uint64) error

	// Fail marks a leased entry FAILED and keeps messages.
	Fail(ctx context.Context, processID string, token uint64, messages []string) error

	// Get returns the entry for processID.
	Get(ctx context.Context, processID string) (Entry, error)

	// Delete removes an entry regardless of state.
	Delete(ctx context.Context, processID string) error

	// List returns entries in any of states, or all entries when none given.
	List(ctx context.Context, states ...State) ([]Entry, error)

	// Recover moves entries left IN_PROCESS back to QUEUED and returns every
	// QUEUED entry, ordered by creation time.
	Recover(ctx context.Context) ([]Entry, error)
}
