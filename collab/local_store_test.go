package collab

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLocalStorePutLoad(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()

	store, err := OpenLocalStoreWithDefaults(stateDir)
	assert.Equal(t, err, nil)

	a := &Update{Id: NewId(), Data: []byte("a")}
	b := &Update{Id: NewId(), Data: []byte("b")}
	assert.Equal(t, store.Put(ctx, "doc1", b), nil)
	assert.Equal(t, store.Put(ctx, "doc1", a), nil)
	// duplicate puts are ignored
	assert.Equal(t, store.Put(ctx, "doc1", a), nil)
	assert.Equal(t, store.Put(ctx, "doc2", &Update{Id: NewId(), Data: []byte("other")}), nil)

	updates, err := store.Load(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 2)
	assert.Equal(t, updates[0].Id, a.Id)
	assert.Equal(t, string(updates[0].Data), "a")
	assert.Equal(t, string(updates[1].Data), "b")

	assert.Equal(t, store.Close(), nil)

	// payloads are sealed at rest
	dbBytes, err := os.ReadFile(filepath.Join(stateDir, localStoreDbName))
	assert.Equal(t, err, nil)
	assert.Equal(t, bytes.Contains(dbBytes, []byte("other")), false)

	// the device key survives a reopen
	reopened, err := OpenLocalStoreWithDefaults(stateDir)
	assert.Equal(t, err, nil)
	defer reopened.Close()

	updates, err = reopened.Load(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 2)

	assert.Equal(t, reopened.Clear(ctx, "doc1"), nil)
	updates, err = reopened.Load(ctx, "doc1")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(updates), 0)
}

func TestLocalStoreRequiresStateDir(t *testing.T) {
	_, err := OpenLocalStoreWithDefaults("")
	assert.NotEqual(t, err, nil)
}
