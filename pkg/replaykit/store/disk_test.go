package store_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
)

func TestDiskStore_Persistence(t *testing.T) {
	root := t.TempDir()

	st1, err := store.NewDiskStore(root)
	require.NoError(t, err)

	batch := testBatch("sess-1", 7, true)
	require.NoError(t, st1.Save(batch))
	require.NoError(t, st1.SaveMarker(store.Marker{SessionID: "sess-1"}))
	require.NoError(t, st1.Close())

	// A fresh instance over the same root sees everything, with no
	// in-memory index to rebuild.
	st2, err := store.NewDiskStore(root)
	require.NoError(t, err)
	defer st2.Close()

	infos, err := st2.ListPending("sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 7, infos[0].BatchNumber)
	assert.True(t, infos[0].IsKeyframe)

	loaded, err := st2.Load(infos[0])
	require.NoError(t, err)
	assert.Equal(t, batch.Compressed, loaded.Compressed)
	assert.Equal(t, batch.EventCount, loaded.EventCount)

	_, err = st2.LoadMarker("sess-1")
	assert.NoError(t, err)
}

func TestDiskStore_FileLayout(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewDiskStore(root)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(testBatch("sess-1", 3, true)))
	require.NoError(t, st.Save(&store.Batch{
		SessionID:   "sess-1",
		ContentType: store.ContentFrames,
		BatchNumber: 12,
		Compressed:  []byte("f"),
	}))
	require.NoError(t, st.SaveMarker(store.Marker{SessionID: "sess-1"}))

	dir := filepath.Join(root, "sess-1")
	assert.FileExists(t, filepath.Join(dir, "events_000003_k.gz"))
	assert.FileExists(t, filepath.Join(dir, "events_000003_k.meta.json"))
	assert.FileExists(t, filepath.Join(dir, "frames_000012_n.gz"))
	assert.FileExists(t, filepath.Join(dir, "session.json"))

	var meta store.Meta
	metaBytes, err := os.ReadFile(filepath.Join(dir, "events_000003_k.meta.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, store.MetaSchemaVersion, meta.SchemaVersion)
	assert.Equal(t, 3, meta.BatchNumber)
	assert.True(t, meta.IsKeyframe)
	assert.Equal(t, 30, meta.EventCount)
}

func TestDiskStore_ForeignFilesIgnored(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewDiskStore(root)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(testBatch("sess-1", 1, false)))

	dir := filepath.Join(root, "sess-1")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "badname.gz"), []byte("x"), 0o644))

	infos, err := st.ListPending("sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "events_000001_n.gz", infos[0].Filename)
}

func TestDiskStore_MissingSidecarTolerated(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewDiskStore(root)
	require.NoError(t, err)
	defer st.Close()

	batch := testBatch("sess-1", 1, false)
	require.NoError(t, st.Save(batch))
	require.NoError(t, os.Remove(filepath.Join(root, "sess-1", "events_000001_n.meta.json")))

	infos, err := st.ListPending("sess-1")
	require.NoError(t, err)
	require.Len(t, infos, 1)

	loaded, err := st.Load(infos[0])
	require.NoError(t, err)
	assert.Equal(t, batch.Compressed, loaded.Compressed)
	assert.Zero(t, loaded.EventCount)
}

func TestDiskStore_DeleteSessionRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	st, err := store.NewDiskStore(root)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Save(testBatch("sess-1", 1, false)))
	require.NoError(t, st.SaveMarker(store.Marker{SessionID: "sess-1"}))

	require.NoError(t, st.DeleteSession("sess-1"))
	assert.NoDirExists(t, filepath.Join(root, "sess-1"))
}
