// Package api exposes the HTTP surface of the pipeline: upload ingress,
// batch operations, session status queries and inbox imports. Authentication
// happens in the fronting web layer; the authenticated username arrives in
// the X-User header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/batch"
	"github.com/openmir/prearchive/internal/config"
	"github.com/openmir/prearchive/internal/importer"
	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

// Server wires the HTTP handlers to the pipeline components.
type Server struct {
	cfg      *config.Config
	store    store.Store
	importer *importer.Importer
	batch    *batch.Controller
	enq      queue.Enqueuer
	log      *zap.Logger
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, st store.Store, imp *importer.Importer, bc *batch.Controller, enq queue.Enqueuer, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: st, importer: imp, batch: bc, enq: enq, log: log}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/services/import", s.handleImport)
	mux.HandleFunc("/services/prearchive/", s.handleBatch)
	mux.HandleFunc("/services/inbox-import", s.handleInboxSubmit)
	mux.HandleFunc("/services/inbox-import/", s.handleInboxStatus)
	mux.HandleFunc("/prearchive/projects/", s.handleSessions)
	return s.loggingMiddleware(mux)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("address", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImport accepts a multipart upload plus a parameter map and runs the
// synchronous import path. The response carries either the prearchive
// location or, on the immediate-archive path, the permanent location.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := requestUser(r)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	params := map[string]string{}
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}
	for key, vals := range r.URL.Query() {
		if len(vals) > 0 {
			params[key] = vals[0]
		}
	}

	tmpDir, err := os.MkdirTemp("", "prearchive-upload-*")
	if err != nil {
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(tmpDir)
	var files []importer.File
	for _, headers := range r.MultipartForm.File {
		for _, hdr := range headers {
			path, err := persistPart(tmpDir, hdr.Filename, func() (io.ReadCloser, error) { return hdr.Open() })
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			files = append(files, importer.File{Name: hdr.Filename, Path: path})
		}
	}

	result, err := s.importer.Import(r.Context(), importer.Request{User: user, Files: files, Params: params})
	if err != nil {
		s.respondImportError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) respondImportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, importer.ErrNoFiles), errors.Is(err, importer.ErrAmbiguous),
		errors.Is(err, importer.ErrInvalidName):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, importer.ErrCollision), errors.Is(err, importer.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("import failed", zap.Error(err))
		http.Error(w, "import failed", http.StatusInternalServerError)
	}
}

type batchRequest struct {
	Sources []string          `json:"src"`
	Params  map[string]string `json:"params,omitempty"`
}

// handleBatch routes /services/prearchive/{move|delete|rebuild|archive} to
// the batch controller and returns the per-item status table.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/services/prearchive/")
	var op model.Operation
	switch action {
	case "move":
		op = model.OpMove
	case "delete":
		op = model.OpDelete
	case "rebuild":
		op = model.OpRebuild
	case "archive":
		op = model.OpArchive
	case "reset":
		s.handleReset(w, r)
		return
	default:
		http.NotFound(w, r)
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if len(req.Sources) == 0 {
		http.Error(w, "no sources given", http.StatusBadRequest)
		return
	}
	if op == model.OpMove && req.Params[model.ParamNewProject] == "" {
		http.Error(w, "move requires newProject", http.StatusBadRequest)
		return
	}
	results := s.batch.Submit(r.Context(), requestUser(r), op, req.Sources, req.Params)
	respondJSON(w, http.StatusOK, results)
}

// handleReset is the administrative escape hatch for stuck sessions: it
// force-transitions each source back to ERROR regardless of in-flight state.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	results := make([]batch.ItemResult, 0, len(req.Sources))
	for _, src := range req.Sources {
		res := batch.ItemResult{Source: src}
		key, err := model.ParseSourceURI(src)
		if err != nil {
			res.Status, res.Message = batch.ItemInvalid, err.Error()
			results = append(results, res)
			continue
		}
		err = s.store.ForceStatus(r.Context(), key, model.StatusError, "administratively reset")
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Status, res.Message = batch.ItemNotFound, "no such staged session"
		case err != nil:
			res.Status, res.Message = batch.ItemError, err.Error()
		default:
			res.Status = batch.ItemQueued
		}
		results = append(results, res)
	}
	respondJSON(w, http.StatusOK, results)
}

// handleSessions serves both the list form (project, optional timestamp) and
// the single-record status query polled by clients awaiting completion.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/prearchive/projects/"), "/")
	parts := strings.Split(rest, "/")
	switch {
	case rest == "":
		s.listSessions(w, r, "", "")
	case len(parts) == 1:
		s.listSessions(w, r, parts[0], "")
	case len(parts) == 2:
		s.listSessions(w, r, parts[0], parts[1])
	case len(parts) == 3:
		key := model.SessionKey{Project: parts[0], Timestamp: parts[1], Folder: parts[2]}
		rec, err := s.store.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "no such staged session", http.StatusNotFound)
				return
			}
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, rec)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, project, timestamp string) {
	recs, err := s.store.Find(r.Context(), project, timestamp)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []*model.SessionRecord{}
	}
	respondJSON(w, http.StatusOK, recs)
}

type inboxSubmitRequest struct {
	Path    string            `json:"path"`
	Cleanup bool              `json:"cleanupAfterImport"`
	Params  map[string]string `json:"params,omitempty"`
}

// handleInboxSubmit persists a trackable inbox import request and enqueues
// the trawl.
func (s *Server) handleInboxSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body inboxSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if body.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	clean := filepath.Clean(body.Path)
	root := filepath.Clean(s.cfg.InboxRoot)
	if clean != root && !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		http.Error(w, "path is outside the inbox", http.StatusBadRequest)
		return
	}
	req := &model.InboxImportRequest{
		ID:                 uuid.NewString(),
		Username:           requestUser(r),
		SessionPath:        clean,
		Parameters:         body.Params,
		Phase:              model.InboxQueued,
		CleanupAfterImport: body.Cleanup,
	}
	if err := s.store.CreateInboxRequest(r.Context(), req); err != nil {
		http.Error(w, "failed to record request", http.StatusInternalServerError)
		return
	}
	if _, err := s.enq.Enqueue(r.Context(), model.OpDicomInboxImport, queue.OpPayload{
		OpID:    uuid.NewString(),
		User:    req.Username,
		Params:  req.Parameters,
		InboxID: req.ID,
	}); err != nil {
		_ = s.store.AdvanceInboxPhase(r.Context(), req.ID, model.InboxFailed, fmt.Sprintf("enqueue failed: %v", err))
		http.Error(w, "failed to queue import", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleInboxStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/services/inbox-import/")
	if id == "" {
		recs, err := s.store.ListInboxRequests(r.Context(), r.URL.Query().Get("user"))
		if err != nil {
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, recs)
		return
	}
	req, err := s.store.GetInboxRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "no such import request", http.StatusNotFound)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func requestUser(r *http.Request) string {
	if user := r.Header.Get("X-User"); user != "" {
		return user
	}
	return "anonymous"
}

func persistPart(dir, name string, open func() (io.ReadCloser, error)) (string, error) {
	src, err := open()
	if err != nil {
		return "", fmt.Errorf("open upload part: %w", err)
	}
	defer src.Close()
	path := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(name))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("stage upload part: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write upload part: %w", err)
	}
	return path, dst.Close()
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}
