package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/batch"
	"github.com/openmir/prearchive/internal/config"
	"github.com/openmir/prearchive/internal/importer"
	"github.com/openmir/prearchive/internal/model"
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

func newTestServer(t *testing.T) (*Server, *store.MemoryStore, *captureEnqueuer) {
	t.Helper()
	st := store.NewMemoryStore()
	enq := &captureEnqueuer{}
	cfg := &config.Config{
		Address:     ":0",
		StagingRoot: t.TempDir(),
		InboxRoot:   t.TempDir(),
	}
	imp := importer.New(importer.Options{Store: st, Enqueuer: enq, StagingRoot: cfg.StagingRoot})
	bc := batch.NewController(st, enq, nil, nil)
	return New(cfg, st, imp, bc, enq, zap.NewNop()), st, enq
}

func multipartUpload(t *testing.T, params map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestImportEndpointStagesUpload(t *testing.T) {
	srv, st, _ := newTestServer(t)
	body, contentType := multipartUpload(t, map[string]string{
		model.ParamProject: "neuro01",
		model.ParamSubject: "subj01",
		model.ParamLabel:   "mr_01",
	}, "scan.dcm", "dicom")

	req := httptest.NewRequest(http.MethodPost, "/services/import", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-User", "alice")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res importer.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "neuro01", res.Key.Project)
	assert.False(t, res.Archived)

	rec, err := st.Get(context.Background(), res.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, rec.Status)
}

func TestImportEndpointRejectsEmptyUpload(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField(model.ParamProject, "neuro01"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/services/import", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestBatchEndpointReportsPerItem(t *testing.T) {
	srv, st, enq := newTestServer(t)
	ctx := context.Background()
	ready := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
	busy := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_2"}
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: ready, Status: model.StatusReady}))
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: busy, Status: model.StatusArchiving}))

	payload, _ := json.Marshal(map[string]any{"src": []string{ready.URI(), busy.URI()}})
	req := httptest.NewRequest(http.MethodPost, "/services/prearchive/delete", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var results []batch.ItemResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, batch.ItemQueued, results[0].Status)
	assert.Equal(t, batch.ItemConflict, results[1].Status)
	assert.Len(t, enq.payloads, 1)
}

func TestBatchMoveRequiresNewProject(t *testing.T) {
	srv, _, _ := newTestServer(t)
	payload, _ := json.Marshal(map[string]any{"src": []string{"/prearchive/projects/p/t/f"}})
	req := httptest.NewRequest(http.MethodPost, "/services/prearchive/move", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResetEndpointForcesError(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	key := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: key, Status: model.StatusQueuedMoving}))

	payload, _ := json.Marshal(map[string]any{"src": []string{key.URI()}})
	req := httptest.NewRequest(http.MethodPost, "/services/prearchive/reset", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, "administratively reset", rec.Message)
}

func TestSessionStatusQuery(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	key := model.SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_1"}
	require.NoError(t, st.Add(ctx, &model.SessionRecord{Key: key, Status: model.StatusReady}))

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, key.URI(), nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.SessionRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, model.StatusReady, rec.Status)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/prearchive/projects/neuro01/20240105_101500/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/prearchive/projects/neuro01", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []model.SessionRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	assert.Len(t, recs, 1)
}

func TestInboxSubmitValidatesPath(t *testing.T) {
	srv, st, enq := newTestServer(t)

	payload, _ := json.Marshal(map[string]any{"path": "/etc/passwd"})
	req := httptest.NewRequest(http.MethodPost, "/services/inbox-import", bytes.NewReader(payload))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, enq.payloads)

	inside := filepath.Join(srv.cfg.InboxRoot, "batch_1")
	payload, _ = json.Marshal(map[string]any{"path": inside})
	req = httptest.NewRequest(http.MethodPost, "/services/inbox-import", bytes.NewReader(payload))
	req.Header.Set("X-User", "alice")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, enq.payloads, 1)

	created, err := st.GetInboxRequest(context.Background(), enq.payloads[0].InboxID)
	require.NoError(t, err)
	assert.Equal(t, model.InboxQueued, created.Phase)
	assert.Equal(t, "alice", created.Username)

	// The persisted request is queryable right away.
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/services/inbox-import/"+created.ID, nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestUnknownBatchAction(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/services/prearchive/frobnicate", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
