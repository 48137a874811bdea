// Package flowstore records the lifecycle of flow requests handled by the
// dispatcher.
//
// Every request is stored under its process id and moves through
//
//	QUEUED -> IN_PROCESS -> COMPLETED | FAILED
//
// Entries carry a lease token that increases on every mutation. Workers hold
// the token returned by Lease and present it when reporting the outcome, so a
// stale worker cannot overwrite an entry that was recovered and re-leased
// elsewhere. COMPLETED and FAILED are terminal.
//
// Two implementations are provided: MemoryStore for single-process use and
// tests, and KVStore which persists entries in a NATS JetStream KV bucket and
// uses the bucket revision for compare-and-set updates.
package flowstore
