package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openmir/prearchive/internal/model"
)

// MemoryStore keeps all records behind a single RWMutex. The gate semantics
// are identical to the Postgres store; tests and standalone mode rely on it.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[model.SessionKey]*model.SessionRecord
	experiments []*model.Experiment
	inbox       map[string]*model.InboxImportRequest
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[model.SessionKey]*model.SessionRecord),
		inbox:    make(map[string]*model.InboxImportRequest),
	}
}

func normalize(key model.SessionKey) model.SessionKey {
	key.Project = key.ProjectOrUnassigned()
	return key
}

// Get returns a copy of the record, or ErrNotFound.
func (m *MemoryStore) Get(ctx context.Context, key model.SessionKey) (*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[normalize(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Add inserts the record; a concurrent insert for the same key loses with
// ErrConflict.
func (m *MemoryStore) Add(ctx context.Context, rec *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalize(rec.Key)
	if _, ok := m.sessions[key]; ok {
		return ErrConflict
	}
	cp := rec.Clone()
	cp.Key = key
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.StatusTime = now
	m.sessions[key] = cp
	return nil
}

// Remove deletes the record.
func (m *MemoryStore) Remove(ctx context.Context, key model.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = normalize(key)
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	return nil
}

// Find lists sessions filtered by project and/or timestamp.
func (m *MemoryStore) Find(ctx context.Context, project, timestamp string) ([]*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.SessionRecord
	for key, rec := range m.sessions {
		if project != "" && key.Project != project {
			continue
		}
		if timestamp != "" && key.Timestamp != timestamp {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// TryTransition is the gate: one atomic read-modify-write under the write lock.
func (m *MemoryStore) TryTransition(ctx context.Context, key model.SessionKey, allowedFrom []model.SessionStatus, next model.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[normalize(key)]
	if !ok {
		return false, ErrNotFound
	}
	if !transitionAllowed(rec.Status, allowedFrom) {
		return false, nil
	}
	rec.Status = next
	rec.StatusTime = time.Now().UTC()
	return true, nil
}

func transitionAllowed(current model.SessionStatus, allowedFrom []model.SessionStatus) bool {
	if len(allowedFrom) == 0 {
		return !current.InFlight()
	}
	for _, s := range allowedFrom {
		if current == s {
			return true
		}
	}
	return false
}

// ForceStatus sets the status unconditionally.
func (m *MemoryStore) ForceStatus(ctx context.Context, key model.SessionKey, status model.SessionStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[normalize(key)]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Message = message
	rec.StatusTime = time.Now().UTC()
	return nil
}

// Update persists metadata fields without touching status.
func (m *MemoryStore) Update(ctx context.Context, in *model.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[normalize(in.Key)]
	if !ok {
		return ErrNotFound
	}
	rec.Subject = in.Subject
	rec.Label = in.Label
	rec.SourceDir = in.SourceDir
	rec.LastBuilt = in.LastBuilt
	rec.PreventAutoCommit = in.PreventAutoCommit
	rec.PreventAnonymization = in.PreventAnonymization
	rec.AdditionalValues = in.Clone().AdditionalValues
	return nil
}

// FindStale returns in-flight sessions older than the cutoff.
func (m *MemoryStore) FindStale(ctx context.Context, cutoff time.Time) ([]*model.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.SessionRecord
	for _, rec := range m.sessions {
		if rec.Status.InFlight() && rec.StatusTime.Before(cutoff) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// SaveExperiment appends a catalog entry.
func (m *MemoryStore) SaveExperiment(ctx context.Context, exp *model.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *exp
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.experiments = append(m.experiments, &cp)
	return nil
}

// FindExperimentByID matches on experiment id within a project.
func (m *MemoryStore) FindExperimentByID(ctx context.Context, project, id string) (*model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, exp := range m.experiments {
		if exp.ID == id && (project == "" || exp.Project == project) {
			cp := *exp
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// FindExperimentByLabel matches on label; without a project hint multiple
// cross-project hits are ErrAmbiguous.
func (m *MemoryStore) FindExperimentByLabel(ctx context.Context, project, label string) (*model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.Experiment
	for _, exp := range m.experiments {
		if exp.Label != label {
			continue
		}
		if project != "" {
			if exp.Project == project {
				cp := *exp
				return &cp, nil
			}
			continue
		}
		if found != nil && found.Project != exp.Project {
			return nil, ErrAmbiguous
		}
		found = exp
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// FindExperimentsBySubject lists the subject's archived experiments.
func (m *MemoryStore) FindExperimentsBySubject(ctx context.Context, subject string) ([]*model.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Experiment
	for _, exp := range m.experiments {
		if exp.Subject == subject {
			cp := *exp
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateInboxRequest stores a new inbox import request.
func (m *MemoryStore) CreateInboxRequest(ctx context.Context, req *model.InboxImportRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inbox[req.ID]; ok {
		return ErrConflict
	}
	cp := *req
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.inbox[req.ID] = &cp
	return nil
}

// GetInboxRequest returns a copy of the request.
func (m *MemoryStore) GetInboxRequest(ctx context.Context, id string) (*model.InboxImportRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.inbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// AdvanceInboxPhase enforces forward-only progression.
func (m *MemoryStore) AdvanceInboxPhase(ctx context.Context, id string, phase model.InboxPhase, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.inbox[id]
	if !ok {
		return ErrNotFound
	}
	if !req.Phase.CanAdvanceTo(phase) {
		return ErrConflict
	}
	req.Phase = phase
	if resolution != "" {
		req.Resolution = resolution
	}
	req.UpdatedAt = time.Now().UTC()
	return nil
}

// ListInboxRequests lists requests, optionally for one user.
func (m *MemoryStore) ListInboxRequests(ctx context.Context, username string) ([]*model.InboxImportRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.InboxImportRequest
	for _, req := range m.inbox {
		if username != "" && req.Username != username {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
