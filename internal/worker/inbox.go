package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
)

// handleInboxImport trawls a filesystem path for session directories and
// imports each one through the regular importer. The persisted request row is
// advanced at every phase so polling clients can watch progress; it is kept
// after completion as the audit record.
func (p *Processor) handleInboxImport(ctx context.Context, task *asynq.Task) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	req, err := p.store.GetInboxRequest(ctx, payload.InboxID)
	if err != nil {
		return fmt.Errorf("load inbox request %s: %w: %w", payload.InboxID, err, asynq.SkipRetry)
	}
	if req.Phase.Terminal() {
		return nil
	}
	failed := func(cause error) error {
		_ = p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxFailed, cause.Error())
		metrics.OperationsCompleted.WithLabelValues(string(model.OpDicomInboxImport), "error").Inc()
		return fmt.Errorf("inbox import %s: %w: %w", req.ID, cause, asynq.SkipRetry)
	}

	if err := p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxTrawling, ""); err != nil {
		return failed(fmt.Errorf("advance to trawling: %w", err))
	}
	dirs, err := trawl(req.SessionPath)
	if err != nil {
		return failed(err)
	}
	if len(dirs) == 0 {
		return failed(fmt.Errorf("no session directories under %s", req.SessionPath))
	}
	if req.Parameters[model.ParamDestination] != "" && len(dirs) > 1 {
		return failed(fmt.Errorf("found %d sessions but a single destination was requested", len(dirs)))
	}

	if err := p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxImporting, ""); err != nil {
		return failed(fmt.Errorf("advance to importing: %w", err))
	}
	var imported []string
	for _, dir := range dirs {
		keys, err := p.importer.ImportDirectory(ctx, req.Username, dir, req.Parameters)
		if err != nil {
			return failed(fmt.Errorf("import %s: %w", dir, err))
		}
		for _, key := range keys {
			imported = append(imported, key.String())
		}
	}
	if err := p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxAccepted, ""); err != nil {
		return failed(fmt.Errorf("advance to accepted: %w", err))
	}
	if err := p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxProcessed, ""); err != nil {
		return failed(fmt.Errorf("advance to processed: %w", err))
	}

	if req.CleanupAfterImport {
		if err := os.RemoveAll(req.SessionPath); err != nil {
			p.log.Warn("inbox cleanup failed",
				zap.String("request", req.ID), zap.String("path", req.SessionPath), zap.Error(err))
		}
	}
	resolution := fmt.Sprintf("imported %d session(s): %s", len(imported), strings.Join(imported, ", "))
	if err := p.store.AdvanceInboxPhase(ctx, req.ID, model.InboxCompleted, resolution); err != nil {
		return failed(fmt.Errorf("advance to completed: %w", err))
	}
	metrics.OperationsCompleted.WithLabelValues(string(model.OpDicomInboxImport), "success").Inc()
	p.log.Info("inbox import completed", zap.String("request", req.ID), zap.Int("sessions", len(imported)))
	return nil
}

// trawl lists the immediate subdirectories that contain at least one file; a
// flat inbox path holding files directly is treated as a single session.
func trawl(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read inbox path: %w", err)
	}
	var dirs []string
	flat := false
	for _, entry := range entries {
		if entry.IsDir() {
			sub := filepath.Join(root, entry.Name())
			n, err := countFiles(sub)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				dirs = append(dirs, sub)
			}
			continue
		}
		flat = true
	}
	if len(dirs) == 0 && flat {
		dirs = append(dirs, root)
	}
	sort.Strings(dirs)
	return dirs, nil
}
