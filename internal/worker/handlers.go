package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/archive"
	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/notify"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

// movedFromKey marks a destination placeholder with its source so a
// redelivered move can recognize its own half-finished work.
const movedFromKey = "moved-from"

func (p *Processor) handleDelete(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	rec, owned, err := p.claimed(ctx, payload.Key, model.StatusQueuedDeleting)
	if err != nil {
		return err
	}
	if !owned {
		// Already deleted (or claimed by an admin reset); redelivery no-ops.
		return nil
	}
	if err := p.checkEdit(ctx, payload.User, rec.Key.ProjectOrUnassigned()); err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return p.fail(ctx, model.OpDelete, payload, model.StatusError, err)
		}
		return err
	}
	dir := p.stagingDir(rec)
	if err := os.RemoveAll(dir); err != nil {
		// Disk contention is transient; let the queue redeliver.
		return fmt.Errorf("remove staging dir %s: %w", dir, err)
	}
	if err := p.store.Remove(ctx, payload.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove session record: %w", err)
	}
	metrics.OperationsCompleted.WithLabelValues(string(model.OpDelete), "success").Inc()
	p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: model.StatusArchived, Message: "deleted", Terminal: true})
	p.log.Info("session deleted", zap.String("session", payload.Key.String()), zap.String("user", payload.User))
	return nil
}

func (p *Processor) handleMove(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	rec, owned, err := p.claimed(ctx, payload.Key, model.StatusQueuedMoving)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	newProject := payload.Params[model.ParamNewProject]
	if newProject == "" {
		return p.fail(ctx, model.OpMove, payload, model.StatusError, errors.New("move request missing newProject"))
	}
	if err := p.checkEdit(ctx, payload.User, rec.Key.ProjectOrUnassigned()); err == nil {
		err = p.checkEdit(ctx, payload.User, newProject)
	}
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return p.fail(ctx, model.OpMove, payload, model.StatusError, err)
		}
		return err
	}

	destKey := model.SessionKey{Project: newProject, Timestamp: rec.Key.Timestamp, Folder: rec.Key.Folder}
	finalized, err := p.claimDestination(ctx, rec, destKey)
	if err != nil {
		// Destination occupied by someone else: whole operation fails and
		// the source-side transition unwinds.
		return p.fail(ctx, model.OpMove, payload, model.StatusConflict, err)
	}
	if finalized {
		// An earlier delivery finished the move but crashed before removing
		// the source record. Only the bookkeeping is left.
		if err := p.store.Remove(ctx, payload.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove source record: %w", err)
		}
		p.publish(notify.Event{OpID: payload.OpID, Key: destKey, Status: model.StatusReady, Terminal: true})
		return nil
	}

	srcDir := p.stagingDir(rec)
	destDir := destKey.StagingPath(p.stagingRoot)
	if dirExists(srcDir) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
			return fmt.Errorf("prepare destination: %w", err)
		}
		if err := os.Rename(srcDir, destDir); err != nil {
			if err := archive.CopyTree(ctx, srcDir, destDir); err != nil {
				return fmt.Errorf("copy session to %s: %w", destDir, err)
			}
			if err := os.RemoveAll(srcDir); err != nil {
				return fmt.Errorf("remove moved source %s: %w", srcDir, err)
			}
		}
	}

	moved := rec.Clone()
	moved.Key = destKey
	moved.SourceDir = destDir
	if moved.AdditionalValues == nil {
		moved.AdditionalValues = make(map[string]string)
	}
	// The marker stays on the moved record: it is the provenance trail, and a
	// redelivered move recognizes its finished work by it.
	moved.AdditionalValues[movedFromKey] = payload.Key.String()
	if err := p.store.Update(ctx, moved); err != nil {
		return fmt.Errorf("update moved session: %w", err)
	}
	if err := p.store.ForceStatus(ctx, destKey, model.StatusReady, ""); err != nil {
		return fmt.Errorf("finalize moved session: %w", err)
	}
	if err := p.store.Remove(ctx, payload.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove source record: %w", err)
	}
	metrics.OperationsCompleted.WithLabelValues(string(model.OpMove), "success").Inc()
	p.publish(notify.Event{OpID: payload.OpID, Key: destKey, Status: model.StatusReady, Terminal: true})
	p.log.Info("session moved",
		zap.String("from", payload.Key.String()), zap.String("to", destKey.String()), zap.String("user", payload.User))
	return nil
}

// claimDestination wins the gate on the destination key by inserting a
// placeholder record. Work left by an earlier delivery of the same move is
// recognized by the moved-from marker: a matching placeholder is reused, and
// a matching READY record means the move itself already completed, leaving
// only the source bookkeeping (finalized=true).
func (p *Processor) claimDestination(ctx context.Context, src *model.SessionRecord, destKey model.SessionKey) (bool, error) {
	placeholder := src.Clone()
	placeholder.Key = destKey
	placeholder.Status = model.StatusQueuedMoving
	if placeholder.AdditionalValues == nil {
		placeholder.AdditionalValues = make(map[string]string)
	}
	placeholder.AdditionalValues[movedFromKey] = src.Key.String()
	err := p.store.Add(ctx, placeholder)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return false, fmt.Errorf("claim destination: %w", err)
	}
	existing, gerr := p.store.Get(ctx, destKey)
	if gerr == nil && existing.AdditionalValues[movedFromKey] == src.Key.String() {
		switch existing.Status {
		case model.StatusQueuedMoving:
			return false, nil
		case model.StatusReady:
			return true, nil
		}
	}
	return false, fmt.Errorf("destination %s already occupied", destKey.String())
}

func (p *Processor) handleRebuild(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	rec, owned, err := p.claimed(ctx, payload.Key, model.StatusQueuedRebuilding)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}
	if err := p.checkEdit(ctx, payload.User, rec.Key.ProjectOrUnassigned()); err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return p.fail(ctx, model.OpRebuild, payload, model.StatusError, err)
		}
		return err
	}
	dir := p.stagingDir(rec)
	if !dirExists(dir) {
		return p.fail(ctx, model.OpRebuild, payload, model.StatusError,
			fmt.Errorf("staging directory %s is gone", dir))
	}
	files, err := countFiles(dir)
	if err != nil {
		return fmt.Errorf("scan staging dir: %w", err)
	}
	if files == 0 {
		return p.fail(ctx, model.OpRebuild, payload, model.StatusConflict,
			fmt.Errorf("no files found in %s", dir))
	}
	rec.LastBuilt = time.Now().UTC()
	rec.SourceDir = dir
	if err := p.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("update rebuilt session: %w", err)
	}
	if err := p.store.ForceStatus(ctx, payload.Key, model.StatusReady, ""); err != nil {
		return fmt.Errorf("finalize rebuilt session: %w", err)
	}
	metrics.OperationsCompleted.WithLabelValues(string(model.OpRebuild), "success").Inc()
	p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: model.StatusReady, Terminal: true})
	return nil
}

func (p *Processor) handleArchive(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	op := model.OpArchive
	if task.Type() == queue.TaskDirectArchive {
		op = model.OpDirectArchive
	}
	rec, owned, err := p.claimed(ctx, payload.Key, model.StatusArchiving)
	if err != nil {
		return err
	}
	if !owned {
		// Already archived by an earlier delivery.
		return nil
	}
	project := rec.Key.ProjectOrUnassigned()
	if project == model.UnassignedProject {
		return p.fail(ctx, op, payload, model.StatusConflict,
			errors.New("cannot archive a session without a project"))
	}
	if err := p.checkEdit(ctx, payload.User, project); err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			return p.fail(ctx, op, payload, model.StatusError, err)
		}
		return err
	}

	subject := rec.Subject
	if subject == "" {
		subject = rec.AdditionalValues[model.ParamSubject]
	}
	label := rec.Label
	if label == "" {
		label = rec.Key.Folder
	}
	if subject == "" {
		return p.fail(ctx, op, payload, model.StatusConflict,
			errors.New("cannot archive a session without a subject"))
	}

	dir := p.stagingDir(rec)
	dest := model.ArchivePath("", project, subject, label)
	if !dirExists(dir) {
		// Crash between commit and record removal: the effect already
		// happened, so finish the bookkeeping and succeed.
		if err := p.store.Remove(ctx, payload.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove archived session record: %w", err)
		}
		p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: model.StatusArchived, Location: dest, Terminal: true})
		return nil
	}

	warning := ""
	if !rec.PreventAnonymization {
		if err := p.anonymizer.Anonymize(ctx, dir); err != nil {
			if p.requireAnon {
				return p.fail(ctx, op, payload, model.StatusError,
					fmt.Errorf("anonymization failed: %w", err))
			}
			// Observed legacy behavior: archive anyway, but loudly.
			warning = fmt.Sprintf("archived without anonymization: %v", err)
			metrics.AnonymizationFailures.Inc()
			p.log.Error("anonymization failed, archiving anyway",
				zap.String("session", payload.Key.String()), zap.Error(err))
		}
	}

	if err := p.backend.Commit(ctx, dir, dest); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}
	expID := rec.AdditionalValues[model.ParamSession]
	if expID == "" {
		expID = uuid.NewString()
	}
	exp := &model.Experiment{ID: expID, Project: project, Subject: subject, Label: label, Location: dest}
	if err := p.store.SaveExperiment(ctx, exp); err != nil {
		return fmt.Errorf("record experiment: %w", err)
	}
	if err := p.store.Remove(ctx, payload.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remove archived session record: %w", err)
	}
	metrics.OperationsCompleted.WithLabelValues(string(op), "success").Inc()
	p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: model.StatusArchived, Message: warning, Location: dest, Terminal: true})
	p.log.Info("session archived",
		zap.String("session", payload.Key.String()), zap.String("location", dest), zap.String("user", payload.User))
	return nil
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}
