package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourceURI(t *testing.T) {
	key, err := ParseSourceURI("/prearchive/projects/neuro01/20240105_101500/scan_442")
	require.NoError(t, err)
	assert.Equal(t, SessionKey{Project: "neuro01", Timestamp: "20240105_101500", Folder: "scan_442"}, key)

	for _, bad := range []string{
		"",
		"/archive/projects/neuro01/x/y",
		"/prearchive/projects/neuro01/x",
		"/prearchive/projects/neuro01/x/y/z",
		"/prearchive/projects/../20240105/scan",
	} {
		_, err := ParseSourceURI(bad)
		assert.Error(t, err, "uri %q should not parse", bad)
	}
}

func TestSessionKeyPaths(t *testing.T) {
	key := SessionKey{Project: "", Timestamp: "20240105_101500", Folder: "scan_1"}
	assert.Equal(t, UnassignedProject, key.ProjectOrUnassigned())
	assert.Equal(t, filepath.Join("/data/prearchive", UnassignedProject, "20240105_101500", "scan_1"),
		key.StagingPath("/data/prearchive"))
	assert.Equal(t, "/prearchive/projects/Unassigned/20240105_101500/scan_1", key.URI())
}

func TestStatusClassification(t *testing.T) {
	for _, s := range []SessionStatus{StatusBuilding, StatusReceiving, StatusArchiving,
		StatusQueuedMoving, StatusQueuedDeleting, StatusQueuedRebuilding} {
		assert.True(t, s.InFlight(), "%s should be in-flight", s)
		assert.False(t, s.Stable())
	}
	for _, s := range []SessionStatus{StatusReady, StatusConflict, StatusError} {
		assert.True(t, s.Stable(), "%s should be stable", s)
		assert.False(t, s.InFlight())
	}
	assert.True(t, StatusArchived.Terminal())
}

func TestInboxPhaseProgression(t *testing.T) {
	assert.True(t, InboxQueued.CanAdvanceTo(InboxTrawling))
	assert.True(t, InboxQueued.CanAdvanceTo(InboxCompleted))
	assert.False(t, InboxImporting.CanAdvanceTo(InboxTrawling))
	assert.True(t, InboxImporting.CanAdvanceTo(InboxFailed))
	assert.False(t, InboxFailed.CanAdvanceTo(InboxCompleted))
	assert.False(t, InboxCompleted.CanAdvanceTo(InboxFailed))
}

func TestOperationQueuedStatus(t *testing.T) {
	assert.Equal(t, StatusQueuedMoving, OpMove.QueuedStatus())
	assert.Equal(t, StatusQueuedDeleting, OpDelete.QueuedStatus())
	assert.Equal(t, StatusQueuedRebuilding, OpRebuild.QueuedStatus())
	assert.Equal(t, StatusArchiving, OpArchive.QueuedStatus())
	assert.Equal(t, StatusArchiving, OpDirectArchive.QueuedStatus())
}
