package transfer_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/testutil"
	"github.com/c360/dataplane/transfer"
)

func TestEachPart_WritesInOrderAndClosesStreams(t *testing.T) {
	parts := []*testutil.TrackingPart{
		{PartName: "a", Data: []byte("1")},
		{PartName: "b", Data: []byte("2")},
	}
	var (
		mu    sync.Mutex
		order []string
	)
	writer := transfer.EachPart(func(_ context.Context, name string, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		mu.Lock()
		order = append(order, name+"="+string(data))
		mu.Unlock()
		return nil
	})

	res := writer.WriteParts(context.Background(), []transfer.Part{parts[0], parts[1]})
	require.True(t, res.Succeeded())
	assert.Equal(t, []string{"a=1", "b=2"}, order)
	for _, p := range parts {
		assert.True(t, p.Balanced(), "stream of %s left open", p.PartName)
	}
}

func TestEachPart_StopsAtFirstFailure(t *testing.T) {
	first := &testutil.TrackingPart{PartName: "a", Data: []byte("x")}
	second := &testutil.TrackingPart{PartName: "b", Data: []byte("y")}
	calls := 0
	writer := transfer.EachPart(func(context.Context, string, io.Reader) error {
		calls++
		return pkgerrors.WrapFatal(errors.New("access denied"), "test", "Write", "put object")
	})

	res := writer.WriteParts(context.Background(), []transfer.Part{first, second})
	assert.Equal(t, transfer.StatusFatal, res.Status)
	assert.True(t, strings.HasPrefix(res.Message(), "part a: "))
	assert.Equal(t, 1, calls)
	assert.True(t, first.Balanced())
	assert.True(t, second.Balanced())
}

func TestEachPart_TransientErrorsRetry(t *testing.T) {
	writer := transfer.EachPart(func(context.Context, string, io.Reader) error {
		return pkgerrors.WrapTransient(errors.New("connection reset"), "test", "Write", "put object")
	})
	res := writer.WriteParts(context.Background(), testutil.Parts(1))
	assert.Equal(t, transfer.StatusErrorRetry, res.Status)
	assert.Contains(t, res.Message(), "connection reset")
}

func TestEachPart_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	writer := transfer.EachPart(func(context.Context, string, io.Reader) error {
		t.Fatal("must not write after cancellation")
		return nil
	})
	res := writer.WriteParts(ctx, testutil.Parts(2))
	assert.True(t, res.Retryable())
}

func TestEachPartWithRetry(t *testing.T) {
	policy := pkgerrors.RetryConfig{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	t.Run("transient failure reopens the part", func(t *testing.T) {
		part := &testutil.TrackingPart{PartName: "a", Data: []byte("payload")}
		var reads []string
		writer := transfer.EachPartWithRetry(policy, func(_ context.Context, _ string, r io.Reader) error {
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			reads = append(reads, string(data))
			if len(reads) == 1 {
				return pkgerrors.WrapTransient(errors.New("connection reset"), "test", "Write", "put object")
			}
			return nil
		})

		res := writer.WriteParts(context.Background(), []transfer.Part{part})
		require.True(t, res.Succeeded(), res.Message())
		assert.Equal(t, []string{"payload", "payload"}, reads)
		assert.True(t, part.Balanced())
	})

	t.Run("fatal failure is not retried", func(t *testing.T) {
		calls := 0
		writer := transfer.EachPartWithRetry(policy, func(context.Context, string, io.Reader) error {
			calls++
			return pkgerrors.WrapFatal(errors.New("access denied"), "test", "Write", "put object")
		})

		res := writer.WriteParts(context.Background(), testutil.Parts(1))
		assert.Equal(t, transfer.StatusFatal, res.Status)
		assert.Equal(t, 1, calls)
		assert.NotContains(t, res.Message(), "non-retryable")
	})

	t.Run("exhausted attempts stay retryable", func(t *testing.T) {
		calls := 0
		writer := transfer.EachPartWithRetry(policy, func(context.Context, string, io.Reader) error {
			calls++
			return pkgerrors.WrapTransient(errors.New("connection reset"), "test", "Write", "put object")
		})

		res := writer.WriteParts(context.Background(), testutil.Parts(1))
		assert.Equal(t, transfer.StatusErrorRetry, res.Status)
		assert.Equal(t, 3, calls)
	})
}
