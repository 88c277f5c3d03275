package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/replaykit/pkg/replaykit/store"
)

// newStores builds one of each implementation so the contract tests
// run against both.
func newStores(t *testing.T) map[string]store.Store {
	t.Helper()
	disk, err := store.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return map[string]store.Store{
		"disk":   disk,
		"memory": store.NewMemoryStore(),
	}
}

func testBatch(sessionID string, n int, keyframe bool) *store.Batch {
	return &store.Batch{
		SessionID:   sessionID,
		ContentType: store.ContentEvents,
		BatchNumber: n,
		IsKeyframe:  keyframe,
		Compressed:  []byte{0x1f, 0x8b, byte(n)},
		EventCount:  n * 10,
		CreatedAt:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			batch := testBatch("sess-1", 1, true)
			require.NoError(t, st.Save(batch))

			infos, err := st.ListPending("sess-1")
			require.NoError(t, err)
			require.Len(t, infos, 1)
			assert.Equal(t, 1, infos[0].BatchNumber)
			assert.True(t, infos[0].IsKeyframe)
			assert.Equal(t, int64(3), infos[0].SizeBytes)

			loaded, err := st.Load(infos[0])
			require.NoError(t, err)
			assert.Equal(t, batch.Compressed, loaded.Compressed)
			assert.Equal(t, store.ContentEvents, loaded.ContentType)
			assert.Equal(t, batch.EventCount, loaded.EventCount)
		})
	}
}

func TestStore_ListPendingOrder(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			// Saved out of order; two content types share batch number 1.
			require.NoError(t, st.Save(testBatch("sess-1", 3, false)))
			require.NoError(t, st.Save(testBatch("sess-1", 1, false)))
			require.NoError(t, st.Save(&store.Batch{
				SessionID:   "sess-1",
				ContentType: store.ContentFrames,
				BatchNumber: 1,
				Compressed:  []byte("frames"),
			}))
			require.NoError(t, st.Save(testBatch("sess-1", 2, true)))

			infos, err := st.ListPending("sess-1")
			require.NoError(t, err)
			require.Len(t, infos, 4)

			numbers := []int{infos[0].BatchNumber, infos[1].BatchNumber, infos[2].BatchNumber, infos[3].BatchNumber}
			assert.Equal(t, []int{1, 1, 2, 3}, numbers)
			// Ties break by filename: "events_..." < "frames_...".
			assert.Equal(t, store.ContentEvents, infos[0].ContentType)
			assert.Equal(t, store.ContentFrames, infos[1].ContentType)
		})
	}
}

func TestStore_ListPendingEmptySession(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			infos, err := st.ListPending("never-seen")
			require.NoError(t, err)
			assert.Empty(t, infos)
		})
	}
}

func TestStore_DeleteIsTerminalAndIdempotent(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			batch := testBatch("sess-1", 1, false)
			require.NoError(t, st.Save(batch))
			info := batch.Info()

			require.NoError(t, st.Delete(info))

			_, err := st.Load(info)
			assert.ErrorIs(t, err, store.ErrNotFound)

			// Deleting again is not an error.
			assert.NoError(t, st.Delete(info))
		})
	}
}

func TestStore_SaveOverwritesSameBatch(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			first := testBatch("sess-1", 1, false)
			require.NoError(t, st.Save(first))

			second := testBatch("sess-1", 1, false)
			second.Compressed = []byte("replacement")
			require.NoError(t, st.Save(second))

			infos, err := st.ListPending("sess-1")
			require.NoError(t, err)
			require.Len(t, infos, 1)

			loaded, err := st.Load(infos[0])
			require.NoError(t, err)
			assert.Equal(t, []byte("replacement"), loaded.Compressed)
		})
	}
}

func TestStore_Markers(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			_, err := st.LoadMarker("sess-1")
			assert.ErrorIs(t, err, store.ErrNotFound)

			m := store.Marker{
				SessionID:             "sess-1",
				SessionStartTime:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
				TotalBackgroundTimeMs: 1500,
				UpdatedAt:             time.Date(2026, 8, 1, 12, 5, 0, 0, time.UTC),
			}
			require.NoError(t, st.SaveMarker(m))

			got, err := st.LoadMarker("sess-1")
			require.NoError(t, err)
			assert.Equal(t, m.SessionID, got.SessionID)
			assert.True(t, m.SessionStartTime.Equal(got.SessionStartTime))
			assert.Equal(t, int64(1500), got.TotalBackgroundTimeMs)

			require.NoError(t, st.DeleteMarker("sess-1"))
			_, err = st.LoadMarker("sess-1")
			assert.ErrorIs(t, err, store.ErrNotFound)

			// Absent marker delete is not an error.
			assert.NoError(t, st.DeleteMarker("sess-1"))
		})
	}
}

func TestStore_ListSessionsAndDeleteSession(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()

			require.NoError(t, st.Save(testBatch("sess-a", 1, false)))
			require.NoError(t, st.SaveMarker(store.Marker{SessionID: "sess-b"}))

			sessions, err := st.ListSessions()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, sessions)

			require.NoError(t, st.DeleteSession("sess-a"))
			sessions, err = st.ListSessions()
			require.NoError(t, err)
			assert.Equal(t, []string{"sess-b"}, sessions)
		})
	}
}

func TestStore_ClosedOperationsFail(t *testing.T) {
	for name, st := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Close())

			err := st.Save(testBatch("sess-1", 1, false))
			assert.ErrorIs(t, err, store.ErrStoreClosed)

			_, err = st.ListPending("sess-1")
			assert.ErrorIs(t, err, store.ErrStoreClosed)

			// Close is idempotent.
			assert.NoError(t, st.Close())
		})
	}
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte(`{"events":[{"type":"tap","x":10,"y":20}]}`)

	compressed, err := store.Compress(payload)
	require.NoError(t, err)
	assert.NotEqual(t, payload, compressed)

	back, err := store.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, back)

	_, err = store.Decompress([]byte("not gzip"))
	assert.Error(t, err)
}

func TestErrNotFoundDistinct(t *testing.T) {
	assert.False(t, errors.Is(store.ErrNotFound, store.ErrStoreClosed))
}
