// Package worker consumes operation requests from the queue and applies their
// side effects. One handler per operation kind, registered explicitly on the
// asynq mux. A handler finishes by moving the session to a terminal or stable
// status; until it does, the in-flight status it inherited from the gate keeps
// every other operation out.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/archive"
	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/notify"
	"github.com/openmir/prearchive/internal/permissions"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

// SessionImporter is the slice of the importer the inbox trawl needs.
type SessionImporter interface {
	ImportDirectory(ctx context.Context, user, dir string, params map[string]string) ([]model.SessionKey, error)
}

// Processor holds the dependencies shared by all operation handlers.
type Processor struct {
	store       store.Store
	backend     archive.Backend
	anonymizer  archive.Anonymizer
	perms       permissions.Checker
	importer    SessionImporter
	bus         *notify.Bus
	policy      queue.RetryPolicy
	stagingRoot string
	requireAnon bool
	log         *zap.Logger
}

// Options configures a Processor.
type Options struct {
	Store       store.Store
	Backend     archive.Backend
	Anonymizer  archive.Anonymizer
	Permissions permissions.Checker
	Importer    SessionImporter
	Bus         *notify.Bus
	Policy      queue.RetryPolicy
	StagingRoot string
	RequireAnon bool
	Log         *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(opts Options) *Processor {
	p := &Processor{
		store:       opts.Store,
		backend:     opts.Backend,
		anonymizer:  opts.Anonymizer,
		perms:       opts.Permissions,
		importer:    opts.Importer,
		bus:         opts.Bus,
		policy:      opts.Policy,
		stagingRoot: opts.StagingRoot,
		requireAnon: opts.RequireAnon,
		log:         opts.Log,
	}
	if p.anonymizer == nil {
		p.anonymizer = archive.NoopAnonymizer{}
	}
	if p.perms == nil {
		p.perms = permissions.AllowAll{}
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.policy.MaxRetry == 0 && p.policy.InitialDelay == 0 {
		p.policy = queue.DefaultRetryPolicy
	}
	return p
}

// SetImporter installs the importer after construction; the standalone
// wiring needs this because the importer itself enqueues onto the processor.
func (p *Processor) SetImporter(imp SessionImporter) {
	p.importer = imp
}

// Handler registers every operation handler on a fresh mux.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskMove, p.handleMove)
	mux.HandleFunc(queue.TaskDelete, p.handleDelete)
	mux.HandleFunc(queue.TaskRebuild, p.handleRebuild)
	mux.HandleFunc(queue.TaskArchive, p.handleArchive)
	mux.HandleFunc(queue.TaskDirectArchive, p.handleArchive)
	mux.HandleFunc(queue.TaskInboxImport, p.handleInboxImport)
	return mux
}

// RetryDelay plugs the exponential policy into asynq: 300s, 900s, 2700s,
// 8100s with the defaults.
func (p *Processor) RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return p.policy.Delay(n)
}

// HandleError is asynq's ErrorHandler hook. Once redeliveries are exhausted
// the task moves to the dead-letter archive; the session must not stay parked
// in its in-flight status, so it is forced to ERROR with the diagnostic.
func (p *Processor) HandleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry {
		return
	}
	var payload queue.OpPayload
	if jsonErr := json.Unmarshal(task.Payload(), &payload); jsonErr != nil {
		return
	}
	msg := fmt.Sprintf("operation %s failed after %d deliveries: %v", task.Type(), retried+1, err)
	p.log.Error("operation exhausted redeliveries",
		zap.String("task", task.Type()), zap.String("session", payload.Key.String()), zap.Error(err))
	if payload.InboxID != "" {
		_ = p.store.AdvanceInboxPhase(ctx, payload.InboxID, model.InboxFailed, msg)
		return
	}
	if ferr := p.store.ForceStatus(ctx, payload.Key, model.StatusError, msg); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
		p.log.Error("force error status", zap.String("session", payload.Key.String()), zap.Error(ferr))
	}
	p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: model.StatusError, Message: msg, Terminal: true})
}

func (p *Processor) publish(ev notify.Event) {
	if p.bus != nil {
		p.bus.Publish(ev)
	}
}

func decodePayload(task *asynq.Task) (queue.OpPayload, error) {
	var payload queue.OpPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}

// claimed loads the session and checks the handler still owns it. A missing
// record, or a record no longer in the expected in-flight status, means a
// previous delivery already finished the work; the handler must no-op.
func (p *Processor) claimed(ctx context.Context, key model.SessionKey, expect model.SessionStatus) (*model.SessionRecord, bool, error) {
	rec, err := p.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rec.Status != expect {
		return nil, false, nil
	}
	return rec, true, nil
}

// fail finalizes a permanently failed operation: session to status, message
// attached, task not redelivered.
func (p *Processor) fail(ctx context.Context, op model.Operation, payload queue.OpPayload, status model.SessionStatus, err error) error {
	msg := err.Error()
	if serr := p.store.ForceStatus(ctx, payload.Key, status, msg); serr != nil && !errors.Is(serr, store.ErrNotFound) {
		p.log.Error("finalize failed operation", zap.String("session", payload.Key.String()), zap.Error(serr))
	}
	metrics.OperationsCompleted.WithLabelValues(string(op), "error").Inc()
	p.publish(notify.Event{OpID: payload.OpID, Key: payload.Key, Status: status, Message: msg, Terminal: true})
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// checkEdit enforces project edit access; denial is permanent.
func (p *Processor) checkEdit(ctx context.Context, user, project string) error {
	ok, err := p.perms.CanEdit(ctx, user, project)
	if err != nil {
		return fmt.Errorf("check permissions: %w", err)
	}
	if !ok {
		return fmt.Errorf("user %s may not modify project %s: %w", user, project, asynq.SkipRetry)
	}
	return nil
}

func (p *Processor) stagingDir(rec *model.SessionRecord) string {
	if rec.SourceDir != "" {
		return rec.SourceDir
	}
	return rec.Key.StagingPath(p.stagingRoot)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
