//go:build integration

package objectstore_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/backend/objectstore"
	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/natsclient"
)

func TestIntegration_NATSBucketsRoundTrip(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream(), natsclient.WithObjectStores("landing"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	landing, err := tc.Client.ObjectStore(ctx, "landing")
	require.NoError(t, err)
	_, err = landing.PutBytes(ctx, "in/a.csv", []byte("a,b\n"))
	require.NoError(t, err)
	_, err = landing.PutBytes(ctx, "in/b.csv", []byte("c,d\n"))
	require.NoError(t, err)

	req := newRequest(t,
		map[string]string{objectstore.BucketProperty: "landing", objectstore.ObjectPrefixProperty: "in/"},
		map[string]string{objectstore.BucketProperty: "archive", objectstore.ObjectPrefixProperty: "2024/"})

	res := objectstore.NewBackend(objectstore.NewNATSBuckets(tc.Client), errors.DefaultRetryConfig(), nil).Transfer(ctx, req)
	require.True(t, res.Succeeded(), res.Message())

	archive, err := tc.Client.ObjectStore(ctx, "archive")
	require.NoError(t, err)
	for name, want := range map[string]string{"2024/a.csv": "a,b\n", "2024/b.csv": "c,d\n"} {
		got, err := archive.GetBytes(ctx, name)
		require.NoError(t, err)
		assert.True(t, bytes.Equal([]byte(want), got), name)
	}

	_, err = archive.GetInfo(ctx, "2024/missing")
	assert.ErrorIs(t, err, jetstream.ErrObjectNotFound)
}
