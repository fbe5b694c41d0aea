package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmir/prearchive/internal/model"
)

func testKey() model.SessionKey {
	return model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
}

func addReady(t *testing.T, st *MemoryStore, key model.SessionKey) {
	t.Helper()
	require.NoError(t, st.Add(context.Background(), &model.SessionRecord{Key: key, Status: model.StatusReady}))
}

func TestGateMutualExclusion(t *testing.T) {
	st := NewMemoryStore()
	key := testKey()
	addReady(t, st, key)

	const contenders = 32
	var wg sync.WaitGroup
	wins := make(chan bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.TryTransition(context.Background(), key, model.StableStatuses, model.StatusQueuedDeleting)
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one contender must win the gate")

	rec, err := st.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueuedDeleting, rec.Status)
}

func TestGateRejectsInFlight(t *testing.T) {
	st := NewMemoryStore()
	key := testKey()
	addReady(t, st, key)

	won, err := st.TryTransition(context.Background(), key, model.StableStatuses, model.StatusArchiving)
	require.NoError(t, err)
	require.True(t, won)

	// Empty allowedFrom means "any stable status"; the session is in-flight.
	won, err = st.TryTransition(context.Background(), key, nil, model.StatusQueuedMoving)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestGateMissingSession(t *testing.T) {
	st := NewMemoryStore()
	_, err := st.TryTransition(context.Background(), testKey(), nil, model.StatusReady)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddInsertRace(t *testing.T) {
	st := NewMemoryStore()
	key := testKey()

	const contenders = 16
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.Add(context.Background(), &model.SessionRecord{Key: key, Status: model.StatusBuilding})
		}()
	}
	wg.Wait()
	close(errs)

	okCount, conflictCount := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case assert.ErrorIs(t, err, ErrConflict):
			conflictCount++
		}
	}
	assert.Equal(t, 1, okCount, "exactly one insert wins")
	assert.Equal(t, contenders-1, conflictCount)
}

func TestRemoveAndNotFound(t *testing.T) {
	st := NewMemoryStore()
	key := testKey()
	addReady(t, st, key)
	require.NoError(t, st.Remove(context.Background(), key))
	assert.ErrorIs(t, st.Remove(context.Background(), key), ErrNotFound)
	_, err := st.Get(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindFilters(t *testing.T) {
	st := NewMemoryStore()
	addReady(t, st, model.SessionKey{Project: "a", Timestamp: "t1", Folder: "f1"})
	addReady(t, st, model.SessionKey{Project: "a", Timestamp: "t2", Folder: "f2"})
	addReady(t, st, model.SessionKey{Project: "b", Timestamp: "t1", Folder: "f3"})

	all, err := st.Find(context.Background(), "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	projA, err := st.Find(context.Background(), "a", "")
	require.NoError(t, err)
	assert.Len(t, projA, 2)

	t1, err := st.Find(context.Background(), "a", "t1")
	require.NoError(t, err)
	require.Len(t, t1, 1)
	assert.Equal(t, "f1", t1[0].Key.Folder)
}

func TestFindStale(t *testing.T) {
	st := NewMemoryStore()
	key := testKey()
	addReady(t, st, key)
	won, err := st.TryTransition(context.Background(), key, nil, model.StatusQueuedMoving)
	require.NoError(t, err)
	require.True(t, won)

	stale, err := st.FindStale(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale, "fresh in-flight sessions are not stale")

	stale, err = st.FindStale(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, key, stale[0].Key)
}

func TestExperimentLabelAmbiguity(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveExperiment(ctx, &model.Experiment{ID: "e1", Project: "a", Subject: "s1", Label: "scan"}))
	require.NoError(t, st.SaveExperiment(ctx, &model.Experiment{ID: "e2", Project: "b", Subject: "s2", Label: "scan"}))

	_, err := st.FindExperimentByLabel(ctx, "", "scan")
	assert.ErrorIs(t, err, ErrAmbiguous)

	exp, err := st.FindExperimentByLabel(ctx, "b", "scan")
	require.NoError(t, err)
	assert.Equal(t, "e2", exp.ID)

	_, err = st.FindExperimentByLabel(ctx, "", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInboxPhaseForwardOnly(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	req := &model.InboxImportRequest{ID: "r1", Username: "alice", SessionPath: "/inbox/batch1", Phase: model.InboxQueued}
	require.NoError(t, st.CreateInboxRequest(ctx, req))

	require.NoError(t, st.AdvanceInboxPhase(ctx, "r1", model.InboxTrawling, ""))
	require.NoError(t, st.AdvanceInboxPhase(ctx, "r1", model.InboxImporting, ""))
	assert.ErrorIs(t, st.AdvanceInboxPhase(ctx, "r1", model.InboxTrawling, ""), ErrConflict)

	require.NoError(t, st.AdvanceInboxPhase(ctx, "r1", model.InboxFailed, "disk full"))
	got, err := st.GetInboxRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.InboxFailed, got.Phase)
	assert.Equal(t, "disk full", got.Resolution)

	// Terminal: no further movement.
	assert.ErrorIs(t, st.AdvanceInboxPhase(ctx, "r1", model.InboxCompleted, ""), ErrConflict)
}
