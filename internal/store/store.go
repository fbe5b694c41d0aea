// Package store is the session record store: the single source of truth for
// staged-session status, and via TryTransition the pipeline's only
// concurrency-control mechanism.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openmir/prearchive/internal/model"
)

var (
	// ErrNotFound is returned for lookups of sessions, experiments or inbox
	// requests that do not exist. Callers treat it as a checkable condition.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert loses a race for a session key,
	// or when an inbox phase update would move backwards.
	ErrConflict = errors.New("already exists")
	// ErrAmbiguous is returned when an experiment label matches entries in
	// more than one project and no project hint was given.
	ErrAmbiguous = errors.New("ambiguous match")
)

// Store is implemented by the Postgres store and by the in-memory store used
// in tests and standalone mode.
type Store interface {
	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, key model.SessionKey) (*model.SessionRecord, error)
	// Add inserts a new record. Exactly one of two racing Adds for the same
	// key succeeds; the loser gets ErrConflict.
	Add(ctx context.Context, rec *model.SessionRecord) error
	// Remove deletes the record, typically after the staging directory is gone.
	Remove(ctx context.Context, key model.SessionKey) error
	// Find lists sessions, optionally filtered by project and/or timestamp.
	Find(ctx context.Context, project, timestamp string) ([]*model.SessionRecord, error)

	// TryTransition atomically moves the session from one of allowedFrom into
	// next, stamping the status time. It returns false without mutating when
	// the current status is not in allowedFrom (in particular when another
	// operation holds an in-flight status). An empty allowedFrom means any
	// non-in-flight status is acceptable.
	TryTransition(ctx context.Context, key model.SessionKey, allowedFrom []model.SessionStatus, next model.SessionStatus) (bool, error)
	// ForceStatus sets the status unconditionally. Administrative resets and
	// worker finalization paths only.
	ForceStatus(ctx context.Context, key model.SessionKey, status model.SessionStatus, message string) error
	// Update persists mutable metadata fields (subject, label, last-built,
	// additional values) without touching the status.
	Update(ctx context.Context, rec *model.SessionRecord) error
	// FindStale returns in-flight sessions whose status time is older than
	// the cutoff. Used by the lease reaper.
	FindStale(ctx context.Context, cutoff time.Time) ([]*model.SessionRecord, error)

	// Experiment catalog, consulted by the destination resolver and appended
	// to by the archive workers.
	SaveExperiment(ctx context.Context, exp *model.Experiment) error
	FindExperimentByID(ctx context.Context, project, id string) (*model.Experiment, error)
	// FindExperimentByLabel matches by label; with an empty project it
	// searches all projects and returns ErrAmbiguous on multiple hits.
	FindExperimentByLabel(ctx context.Context, project, label string) (*model.Experiment, error)
	// FindExperimentsBySubject lists the subject's archived experiments across
	// projects; the resolver uses it to derive a project from a subject hint.
	FindExperimentsBySubject(ctx context.Context, subject string) ([]*model.Experiment, error)

	// Inbox import requests are persisted and retained after completion.
	CreateInboxRequest(ctx context.Context, req *model.InboxImportRequest) error
	GetInboxRequest(ctx context.Context, id string) (*model.InboxImportRequest, error)
	// AdvanceInboxPhase enforces the forward-only progression and records the
	// resolution message.
	AdvanceInboxPhase(ctx context.Context, id string, phase model.InboxPhase, resolution string) error
	ListInboxRequests(ctx context.Context, username string) ([]*model.InboxImportRequest, error)
}
