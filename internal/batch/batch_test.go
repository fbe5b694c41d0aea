package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/permissions"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

type captureEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.OpPayload
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, op model.Operation, payload queue.OpPayload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
	return payload.OpID, nil
}

func seedSession(t *testing.T, st store.Store, project, folder string, status model.SessionStatus) model.SessionKey {
	t.Helper()
	key := model.SessionKey{Project: project, Timestamp: "20240105_101500", Folder: folder}
	require.NoError(t, st.Add(context.Background(), &model.SessionRecord{Key: key, Status: status}))
	return key
}

func TestBatchPartialFailure(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &captureEnqueuer{}
	c := NewController(st, enq, nil, nil)

	k1 := seedSession(t, st, "neuro01", "scan_1", model.StatusReady)
	k2 := seedSession(t, st, "neuro01", "scan_2", model.StatusQueuedMoving) // already in-flight
	k3 := seedSession(t, st, "neuro01", "scan_3", model.StatusError)

	results := c.Submit(context.Background(), "alice", model.OpDelete,
		[]string{k1.URI(), k2.URI(), k3.URI()}, nil)
	require.Len(t, results, 3)

	assert.Equal(t, ItemQueued, results[0].Status)
	assert.Equal(t, ItemConflict, results[1].Status)
	assert.Equal(t, "operation already in progress", results[1].Message)
	assert.Equal(t, ItemQueued, results[2].Status)

	// Only the two winners produced operation requests.
	assert.Len(t, enq.payloads, 2)

	rec, err := st.Get(context.Background(), k1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueuedDeleting, rec.Status)
}

func TestBatchInvalidAndMissingSources(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &captureEnqueuer{}
	c := NewController(st, enq, nil, nil)

	results := c.Submit(context.Background(), "alice", model.OpRebuild, []string{
		"not-a-uri",
		"/prearchive/projects/neuro01/20240101_000000/ghost",
	}, nil)
	require.Len(t, results, 2)
	assert.Equal(t, ItemInvalid, results[0].Status)
	assert.Equal(t, ItemNotFound, results[1].Status)
	assert.Empty(t, enq.payloads)
}

func TestBatchForbidden(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &captureEnqueuer{}
	perms := permissions.Static{Grants: map[string]map[string]bool{
		"alice": {"neuro01": true},
	}}
	c := NewController(st, enq, perms, nil)

	allowed := seedSession(t, st, "neuro01", "scan_1", model.StatusReady)
	denied := seedSession(t, st, "private", "scan_2", model.StatusReady)

	results := c.Submit(context.Background(), "alice", model.OpDelete,
		[]string{allowed.URI(), denied.URI()}, nil)
	require.Len(t, results, 2)
	assert.Equal(t, ItemQueued, results[0].Status)
	assert.Equal(t, ItemForbidden, results[1].Status)
	assert.Len(t, enq.payloads, 1)

	// The denied session was never claimed.
	rec, err := st.Get(context.Background(), denied)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, rec.Status)
}

func TestBatchMoveParamsCarried(t *testing.T) {
	st := store.NewMemoryStore()
	enq := &captureEnqueuer{}
	c := NewController(st, enq, nil, nil)

	key := seedSession(t, st, "neuro01", "scan_1", model.StatusReady)
	results := c.Submit(context.Background(), "alice", model.OpMove,
		[]string{key.URI()}, map[string]string{model.ParamNewProject: "neuro02"})
	require.Len(t, results, 1)
	require.Equal(t, ItemQueued, results[0].Status)
	require.Len(t, enq.payloads, 1)
	assert.Equal(t, "neuro02", enq.payloads[0].Params[model.ParamNewProject])
	assert.Equal(t, "alice", enq.payloads[0].User)
}
