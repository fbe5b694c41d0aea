package model

import "time"

// InboxPhase tracks a bulk filesystem import. Phases only move forward;
// FAILED is reachable from any non-terminal phase.
type InboxPhase string

const (
	InboxQueued    InboxPhase = "QUEUED"
	InboxTrawling  InboxPhase = "TRAWLING"
	InboxImporting InboxPhase = "IMPORTING"
	InboxAccepted  InboxPhase = "ACCEPTED"
	InboxProcessed InboxPhase = "PROCESSED"
	InboxCompleted InboxPhase = "COMPLETED"
	InboxFailed    InboxPhase = "FAILED"
)

var inboxOrder = map[InboxPhase]int{
	InboxQueued:    0,
	InboxTrawling:  1,
	InboxImporting: 2,
	InboxAccepted:  3,
	InboxProcessed: 4,
	InboxCompleted: 5,
}

// Terminal reports whether the request has finished, one way or the other.
func (p InboxPhase) Terminal() bool {
	return p == InboxCompleted || p == InboxFailed
}

// CanAdvanceTo enforces the forward-only progression.
func (p InboxPhase) CanAdvanceTo(next InboxPhase) bool {
	if p.Terminal() {
		return false
	}
	if next == InboxFailed {
		return true
	}
	cur, ok := inboxOrder[p]
	if !ok {
		return false
	}
	nxt, ok := inboxOrder[next]
	return ok && nxt > cur
}

// InboxImportRequest is the persisted, trackable record of an inbox trawl.
// Unlike queued operation messages it is retained after completion.
type InboxImportRequest struct {
	ID                 string            `json:"id"`
	Username           string            `json:"username"`
	SessionPath        string            `json:"sessionPath"`
	Parameters         map[string]string `json:"parameters,omitempty"`
	Phase              InboxPhase        `json:"status"`
	CleanupAfterImport bool              `json:"cleanupAfterImport"`
	Resolution         string            `json:"resolution,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}
