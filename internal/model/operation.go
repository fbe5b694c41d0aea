package model

// Operation names a mutating action against a staged session.
type Operation string

const (
	OpMove             Operation = "move"
	OpDelete           Operation = "delete"
	OpRebuild          Operation = "rebuild"
	OpArchive          Operation = "archive"
	OpDicomInboxImport Operation = "inbox-import"
	OpDirectArchive    Operation = "direct-archive"
)

// QueuedStatus returns the in-flight status a session must be moved into
// before the operation may be enqueued. Winning this transition is what
// serializes operations per session.
func (o Operation) QueuedStatus() SessionStatus {
	switch o {
	case OpMove:
		return StatusQueuedMoving
	case OpDelete:
		return StatusQueuedDeleting
	case OpRebuild:
		return StatusQueuedRebuilding
	case OpArchive, OpDirectArchive:
		return StatusArchiving
	}
	return StatusError
}

// Parameter keys carried in OpPayload.Params and SessionRecord.AdditionalValues.
const (
	ParamProject     = "project"
	ParamSubject     = "subject"
	ParamSession     = "session"
	ParamLabel       = "label"
	ParamNewProject  = "newProject"
	ParamOverwrite   = "overwrite"
	ParamTimezone    = "TIMEZONE"
	ParamSource      = "SOURCE"
	ParamDestination = "dest"
	ParamAutoArchive = "auto-archive"
)

// Overwrite modes accepted on upload.
const (
	OverwriteNone     = "none"
	OverwriteAppend   = "append"
	OverwriteOverride = "override"
)
