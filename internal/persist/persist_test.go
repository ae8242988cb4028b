package persist

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileStoreSaveLoad(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := document{Name: "sessions", Count: 3}
	require.NoError(t, store.Save("sessions", in))

	var out document
	require.NoError(t, store.Load("sessions", &out))
	assert.Equal(t, in, out)
}

func TestFileStoreLoadMissing(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var out document
	err = store.Load("absent", &out)
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreOverwrite(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("doc", document{Name: "v1"}))
	require.NoError(t, store.Save("doc", document{Name: "v2"}))

	var out document
	require.NoError(t, store.Load("doc", &out))
	assert.Equal(t, "v2", out.Name)
}

func TestFileStoreDelete(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("doc", document{}))
	require.NoError(t, store.Delete("doc"))
	require.NoError(t, store.Delete("doc"))

	var out document
	assert.True(t, os.IsNotExist(store.Load("doc", &out)))
}

func TestNewFileStoreRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("")
	assert.Error(t, err)
}
