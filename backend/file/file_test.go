package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dataplane/backend/file"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/transfer"
)

func fileRequest(t *testing.T, src, dst string) flow.Request {
	t.Helper()
	req, err := flow.NewRequest("file-1",
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: src}),
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: dst}))
	require.NoError(t, err)
	return req
}

func TestBackend_CopiesDirectory(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.txt"), []byte("beta"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested"), 0o755))

	backend := file.NewBackend(nil, transfer.WithPartitionSize(1))
	req := fileRequest(t, src, dst)
	require.True(t, backend.CanHandle(req))
	require.True(t, backend.Validate(req).Succeeded())

	res := backend.Transfer(context.Background(), req)
	require.True(t, res.Succeeded(), res.Message())

	for name, want := range map[string]string{"a.txt": "alpha", "b.txt": "beta"} {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "subdirectories are skipped and no temporary files remain")
}

func TestBackend_CopiesSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n"), 0o644))
	dst := t.TempDir()

	res := file.NewBackend(nil).Transfer(context.Background(), fileRequest(t, src, dst))
	require.True(t, res.Succeeded(), res.Message())

	got, err := os.ReadFile(filepath.Join(dst, "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
}

func TestBackend_MissingSourceIsFatal(t *testing.T) {
	req := fileRequest(t, filepath.Join(t.TempDir(), "missing"), t.TempDir())

	res := file.NewBackend(nil).Transfer(context.Background(), req)
	assert.Equal(t, transfer.StatusFatal, res.Status)
}

func TestValidate_RequiresPath(t *testing.T) {
	req, err := flow.NewRequest("file-2",
		flow.NewDataAddress(file.Type, map[string]string{}),
		flow.NewDataAddress(file.Type, map[string]string{}))
	require.NoError(t, err)

	res := file.NewBackend(nil).Validate(req)
	assert.Equal(t, transfer.StatusFatal, res.Status)
	assert.Len(t, res.Messages, 2, "both ends are reported")

	_, err = file.NewSourceFactory().CreateSource(req)
	assert.Error(t, err)
}

func TestSink_RejectsEscapingPartNames(t *testing.T) {
	dst := t.TempDir()
	source := transfer.StaticSource{Parts: []transfer.Part{
		transfer.BytesPart{PartName: "../escape.txt", Data: []byte("x")},
	}}

	res := file.NewSink(dst).Transfer(context.Background(), source)
	require.True(t, res.Failed())
	assert.Equal(t, transfer.StatusErrorRetry, res.Status, "partition failures are aggregated as retryable")
	assert.Contains(t, res.Message(), "escapes destination")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dst), "escape.txt"))
}

func TestFactories_IgnoreOtherTypes(t *testing.T) {
	req, err := flow.NewRequest("file-3",
		flow.NewDataAddress("HttpData", map[string]string{"baseUrl": "http://x"}),
		flow.NewDataAddress(file.Type, map[string]string{file.PathProperty: t.TempDir()}))
	require.NoError(t, err)

	assert.False(t, file.NewSourceFactory().CanHandle(req))
	assert.True(t, file.NewSinkFactory().CanHandle(req))
	assert.False(t, file.NewBackend(nil).CanHandle(req))
}
