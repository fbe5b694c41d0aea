// Package batch fans a list of source URIs out into individual validated
// operation requests. Results are reported per item; one bad source never
// aborts the rest of the batch.
package batch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/permissions"
	"github.com/openmir/prearchive/internal/queue"
	"github.com/openmir/prearchive/internal/store"
)

// ItemStatus classifies one source's outcome.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemInvalid   ItemStatus = "invalid"
	ItemNotFound  ItemStatus = "not-found"
	ItemForbidden ItemStatus = "forbidden"
	ItemConflict  ItemStatus = "conflict"
	ItemError     ItemStatus = "error"
)

// ItemResult is one row of the aggregate response.
type ItemResult struct {
	Source  string     `json:"src"`
	Status  ItemStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	OpID    string     `json:"opId,omitempty"`
}

// Controller validates and enqueues batch operations.
type Controller struct {
	store store.Store
	enq   queue.Enqueuer
	perms permissions.Checker
	log   *zap.Logger
}

// NewController constructs a Controller.
func NewController(st store.Store, enq queue.Enqueuer, perms permissions.Checker, log *zap.Logger) *Controller {
	if perms == nil {
		perms = permissions.AllowAll{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{store: st, enq: enq, perms: perms, log: log}
}

// Submit processes every source independently: parse, validate, win the gate,
// enqueue. A gate rejection is reported as a per-item conflict, exactly what
// a user racing another operation should see.
func (c *Controller) Submit(ctx context.Context, user string, op model.Operation, sources []string, params map[string]string) []ItemResult {
	results := make([]ItemResult, 0, len(sources))
	for _, src := range sources {
		results = append(results, c.submitOne(ctx, user, op, src, params))
	}
	return results
}

func (c *Controller) submitOne(ctx context.Context, user string, op model.Operation, src string, params map[string]string) ItemResult {
	res := ItemResult{Source: src}
	key, err := model.ParseSourceURI(src)
	if err != nil {
		res.Status, res.Message = ItemInvalid, err.Error()
		return res
	}
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			res.Status, res.Message = ItemNotFound, "no such staged session"
		} else {
			res.Status, res.Message = ItemError, err.Error()
		}
		return res
	}
	ok, err := c.perms.CanEdit(ctx, user, rec.Key.ProjectOrUnassigned())
	if err != nil {
		res.Status, res.Message = ItemError, err.Error()
		return res
	}
	if !ok {
		res.Status, res.Message = ItemForbidden, "edit access denied"
		return res
	}

	prior := rec.Status
	won, err := c.store.TryTransition(ctx, key, model.StableStatuses, op.QueuedStatus())
	if err != nil {
		res.Status, res.Message = ItemError, err.Error()
		return res
	}
	if !won {
		metrics.GateRejections.Inc()
		res.Status, res.Message = ItemConflict, "operation already in progress"
		return res
	}

	opID := uuid.NewString()
	if _, err := c.enq.Enqueue(ctx, op, queue.OpPayload{
		OpID:   opID,
		User:   user,
		Key:    key,
		Params: params,
	}); err != nil {
		// Enqueue failed after winning the gate; release the session so it
		// is not stranded in a queued status.
		if _, terr := c.store.TryTransition(ctx, key, []model.SessionStatus{op.QueuedStatus()}, prior); terr != nil {
			c.log.Error("unwind gate transition", zap.String("session", key.String()), zap.Error(terr))
		}
		res.Status, res.Message = ItemError, err.Error()
		return res
	}
	res.Status, res.OpID = ItemQueued, opID
	return res
}
