package flowstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/flowstore"
	"github.com/c360/dataplane/testutil"
)

// runStoreContract exercises behaviour every Store implementation shares
func runStoreContract(t *testing.T, newStore func(t *testing.T) flowstore.Store) {
	ctx := context.Background()

	t.Run("enqueue lease complete", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		queued, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateQueued, queued.State)
		assert.True(t, queued.Request.Equal(req))

		leased, err := store.Lease(ctx, req.ProcessID(), "worker-a")
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateInProcess, leased.State)
		assert.Equal(t, "worker-a", leased.LeaseOwner)
		assert.Greater(t, leased.LeaseToken, queued.LeaseToken)
		assert.False(t, leased.LeasedAt.IsZero())

		require.NoError(t, store.Complete(ctx, req.ProcessID(), leased.LeaseToken))

		done, err := store.Get(ctx, req.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateCompleted, done.State)
		assert.Greater(t, done.LeaseToken, leased.LeaseToken)
	})

	t.Run("fail keeps messages", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		leased, err := store.Lease(ctx, req.ProcessID(), "w")
		require.NoError(t, err)

		require.NoError(t, store.Fail(ctx, req.ProcessID(), leased.LeaseToken, []string{"boom", "bang"}))

		entry, err := store.Get(ctx, req.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateFailed, entry.State)
		assert.Equal(t, []string{"boom", "bang"}, entry.Messages)
	})

	t.Run("stale token is rejected", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		leased, err := store.Lease(ctx, req.ProcessID(), "w")
		require.NoError(t, err)

		err = store.Complete(ctx, req.ProcessID(), leased.LeaseToken-1)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrLeaseConflict)

		entry, err := store.Get(ctx, req.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateInProcess, entry.State)
	})

	t.Run("terminal states do not transition", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		leased, err := store.Lease(ctx, req.ProcessID(), "w")
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, req.ProcessID(), leased.LeaseToken))

		err = store.Fail(ctx, req.ProcessID(), leased.LeaseToken+1, nil)
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)

		_, err = store.Lease(ctx, req.ProcessID(), "w")
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	})

	t.Run("lease twice fails", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		_, err = store.Lease(ctx, req.ProcessID(), "a")
		require.NoError(t, err)

		_, err = store.Lease(ctx, req.ProcessID(), "b")
		assert.ErrorIs(t, err, errors.ErrInvalidTransition)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("enqueue while in process conflicts", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		_, err = store.Lease(ctx, req.ProcessID(), "a")
		require.NoError(t, err)

		_, err = store.Enqueue(ctx, req)
		assert.ErrorIs(t, err, errors.ErrLeaseConflict)
	})

	t.Run("re-enqueue after terminal state", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		leased, err := store.Lease(ctx, req.ProcessID(), "a")
		require.NoError(t, err)
		require.NoError(t, store.Fail(ctx, req.ProcessID(), leased.LeaseToken, []string{"x"}))

		again, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateQueued, again.State)
		assert.Empty(t, again.Messages)
		assert.Greater(t, again.LeaseToken, leased.LeaseToken)
		require.NotNil(t, again.Replaced)
		assert.Equal(t, flowstore.StateFailed, again.Replaced.State)

		// the replaced record is dropped once the new run is leased
		next, err := store.Lease(ctx, req.ProcessID(), "b")
		require.NoError(t, err)
		assert.Nil(t, next.Replaced)
	})

	t.Run("enqueue while queued conflicts", func(t *testing.T) {
		store := newStore(t)
		first := testutil.NewRequest(t, flow.WithProcessID("shared"))
		second := testutil.NewRequest(t, flow.WithProcessID("shared"))

		_, err := store.Enqueue(ctx, first)
		require.NoError(t, err)

		_, err = store.Enqueue(ctx, second)
		assert.ErrorIs(t, err, errors.ErrLeaseConflict)
		_, err = store.Enqueue(ctx, first)
		assert.ErrorIs(t, err, errors.ErrLeaseConflict)

		entry, err := store.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, first.ID(), entry.Request.ID())
	})

	t.Run("withdraw removes a fresh entry", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		queued, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		require.NoError(t, store.Withdraw(ctx, req.ProcessID(), queued.LeaseToken))

		_, err = store.Get(ctx, req.ProcessID())
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	})

	t.Run("withdraw restores the replaced terminal entry", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		leased, err := store.Lease(ctx, req.ProcessID(), "a")
		require.NoError(t, err)
		require.NoError(t, store.Fail(ctx, req.ProcessID(), leased.LeaseToken, []string{"boom"}))

		again, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		require.NoError(t, store.Withdraw(ctx, req.ProcessID(), again.LeaseToken))

		entry, err := store.Get(ctx, req.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateFailed, entry.State)
		assert.Equal(t, []string{"boom"}, entry.Messages)
		assert.Nil(t, entry.Replaced)
		assert.Greater(t, entry.LeaseToken, again.LeaseToken)
	})

	t.Run("withdraw after lease conflicts", func(t *testing.T) {
		store := newStore(t)
		req := testutil.NewRequest(t)

		queued, err := store.Enqueue(ctx, req)
		require.NoError(t, err)
		_, err = store.Lease(ctx, req.ProcessID(), "a")
		require.NoError(t, err)

		err = store.Withdraw(ctx, req.ProcessID(), queued.LeaseToken)
		assert.ErrorIs(t, err, errors.ErrLeaseConflict)

		entry, err := store.Get(ctx, req.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateInProcess, entry.State)
	})

	t.Run("invalid request is not stored", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Enqueue(ctx, flow.Request{})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrInvalidRequest)

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("unknown process id", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		_, err = store.Lease(ctx, "missing", "w")
		assert.ErrorIs(t, err, errors.ErrKeyNotFound)
		assert.ErrorIs(t, store.Complete(ctx, "missing", 1), errors.ErrKeyNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), errors.ErrKeyNotFound)
	})

	t.Run("recover requeues in process entries", func(t *testing.T) {
		store := newStore(t)
		queued := testutil.NewRequest(t)
		crashed := testutil.NewRequest(t)
		finished := testutil.NewRequest(t)

		for _, req := range []flow.Request{queued, crashed, finished} {
			_, err := store.Enqueue(ctx, req)
			require.NoError(t, err)
		}
		crashedLease, err := store.Lease(ctx, crashed.ProcessID(), "dead-worker")
		require.NoError(t, err)
		finishedLease, err := store.Lease(ctx, finished.ProcessID(), "w")
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, finished.ProcessID(), finishedLease.LeaseToken))

		recovered, err := store.Recover(ctx)
		require.NoError(t, err)

		ids := make([]string, 0, len(recovered))
		for _, e := range recovered {
			assert.Equal(t, flowstore.StateQueued, e.State)
			assert.Empty(t, e.LeaseOwner)
			ids = append(ids, e.ProcessID)
		}
		assert.ElementsMatch(t, []string{queued.ProcessID(), crashed.ProcessID()}, ids)

		// the crashed worker's token is no longer valid
		err = store.Complete(ctx, crashed.ProcessID(), crashedLease.LeaseToken)
		assert.Error(t, err)

		entry, err := store.Get(ctx, finished.ProcessID())
		require.NoError(t, err)
		assert.Equal(t, flowstore.StateCompleted, entry.State)
	})

	t.Run("list filters by state", func(t *testing.T) {
		store := newStore(t)
		a := testutil.NewRequest(t)
		b := testutil.NewRequest(t)

		_, err := store.Enqueue(ctx, a)
		require.NoError(t, err)
		_, err = store.Enqueue(ctx, b)
		require.NoError(t, err)
		_, err = store.Lease(ctx, b.ProcessID(), "w")
		require.NoError(t, err)

		queued, err := store.List(ctx, flowstore.StateQueued)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, a.ProcessID(), queued[0].ProcessID)

		all, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, store.Delete(ctx, a.ProcessID()))
		all, err = store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}
