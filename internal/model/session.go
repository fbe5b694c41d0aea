// Package model contains the entity definitions shared across the pipeline.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// UnassignedProject is the project bucket for uploads that arrived without a
// resolvable project.
const UnassignedProject = "Unassigned"

// SessionStatus describes where a staged session is in its lifecycle. The
// status row is the pipeline's only concurrency token: a session whose status
// is in-flight cannot be claimed by a second operation.
type SessionStatus string

const (
	StatusBuilding         SessionStatus = "BUILDING"
	StatusReceiving        SessionStatus = "RECEIVING"
	StatusReady            SessionStatus = "READY"
	StatusConflict         SessionStatus = "CONFLICT"
	StatusError            SessionStatus = "ERROR"
	StatusArchiving        SessionStatus = "ARCHIVING"
	StatusQueuedMoving     SessionStatus = "QUEUED_MOVING"
	StatusQueuedDeleting   SessionStatus = "QUEUED_DELETING"
	StatusQueuedRebuilding SessionStatus = "QUEUED_REBUILDING"
	StatusArchived         SessionStatus = "ARCHIVED"
)

// InFlight reports whether an operation currently owns the session. A
// transition request against an in-flight session must be rejected.
func (s SessionStatus) InFlight() bool {
	switch s {
	case StatusBuilding, StatusReceiving, StatusArchiving,
		StatusQueuedMoving, StatusQueuedDeleting, StatusQueuedRebuilding:
		return true
	}
	return false
}

// Stable reports whether the session is at rest and claimable.
func (s SessionStatus) Stable() bool {
	return s == StatusReady || s == StatusConflict || s == StatusError
}

// Terminal reports whether the session has left the prearchive for good.
func (s SessionStatus) Terminal() bool {
	return s == StatusArchived
}

// StableStatuses is the claimable set, used as the expected-from set for gate
// transitions that start an operation.
var StableStatuses = []SessionStatus{StatusReady, StatusConflict, StatusError}

// SessionKey identifies a staged session. Project may be empty, in which case
// the session is filed under UnassignedProject.
type SessionKey struct {
	Project   string `json:"project"`
	Timestamp string `json:"timestamp"`
	Folder    string `json:"folder"`
}

// ProjectOrUnassigned normalizes the empty project.
func (k SessionKey) ProjectOrUnassigned() string {
	if k.Project == "" {
		return UnassignedProject
	}
	return k.Project
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProjectOrUnassigned(), k.Timestamp, k.Folder)
}

// URI renders the key as a prearchive source URI, the form batch requests use.
func (k SessionKey) URI() string {
	return "/prearchive/projects/" + k.String()
}

// StagingPath is the deterministic on-disk location of the staged session.
func (k SessionKey) StagingPath(root string) string {
	return filepath.Join(root, k.ProjectOrUnassigned(), k.Timestamp, k.Folder)
}

// SessionRecord is the authoritative row for one staged session.
type SessionRecord struct {
	Key                  SessionKey        `json:"key"`
	Status               SessionStatus     `json:"status"`
	StatusTime           time.Time         `json:"statusTime"`
	Subject              string            `json:"subject,omitempty"`
	Label                string            `json:"label,omitempty"`
	SourceDir            string            `json:"-"`
	LastBuilt            time.Time         `json:"lastBuilt"`
	PreventAutoCommit    bool              `json:"preventAutoCommit"`
	PreventAnonymization bool              `json:"preventAnonymization"`
	Message              string            `json:"message,omitempty"`
	AdditionalValues     map[string]string `json:"additionalValues,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// Clone returns a deep copy so store callers cannot mutate shared state.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	if r.AdditionalValues != nil {
		cp.AdditionalValues = make(map[string]string, len(r.AdditionalValues))
		for k, v := range r.AdditionalValues {
			cp.AdditionalValues[k] = v
		}
	}
	return &cp
}

// Experiment is a committed archive catalog entry.
type Experiment struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Subject   string    `json:"subject"`
	Label     string    `json:"label"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"createdAt"`
}

// ArchivePath is the permanent location for a committed session, addressed by
// project, subject and experiment label rather than the staging key.
func ArchivePath(root, project, subject, label string) string {
	return filepath.Join(root, project, "arc001", subject, label)
}

// ParseSourceURI parses a batch source URI of the form
// /prearchive/projects/{project}/{timestamp}/{folder}.
func ParseSourceURI(uri string) (SessionKey, error) {
	trimmed := strings.Trim(uri, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 5 || parts[0] != "prearchive" || parts[1] != "projects" {
		return SessionKey{}, fmt.Errorf("malformed prearchive source uri %q", uri)
	}
	for _, p := range parts[2:] {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\`) {
			return SessionKey{}, fmt.Errorf("malformed prearchive source uri %q", uri)
		}
	}
	return SessionKey{Project: parts[2], Timestamp: parts[3], Folder: parts[4]}, nil
}
