package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/store"
)

func TestSweepResetsExpiredInFlightSessions(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	stuck := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
	ready := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_2"}
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: stuck, Status: model.StatusArchiving}))
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: ready, Status: model.StatusReady}))

	time.Sleep(10 * time.Millisecond)
	reset, err := New(st, 5*time.Millisecond, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	rec, err := st.Get(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Contains(t, rec.Message, "reset from stuck status ARCHIVING")

	// Stable sessions are never the reaper's business, however old.
	rec, err = st.Get(ctx, ready)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, rec.Status)
}

func TestSweepHonorsLiveLease(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	key := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: key, Status: model.StatusQueuedDeleting}))

	reset, err := New(st, time.Hour, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, reset)

	rec, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueuedDeleting, rec.Status)
}
