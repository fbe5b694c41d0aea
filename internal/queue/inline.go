package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
)

// Inline dispatches operation requests straight to a handler in a goroutine
// instead of going through Redis. Standalone single-process deployments and
// tests use it; there is no redelivery, so transient failures surface once.
type Inline struct {
	handler asynq.Handler
	log     *zap.Logger
}

// NewInline wraps a handler (normally the worker mux).
func NewInline(handler asynq.Handler, log *zap.Logger) *Inline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Inline{handler: handler, log: log}
}

// Enqueue runs the operation asynchronously and returns immediately.
func (q *Inline) Enqueue(ctx context.Context, op model.Operation, payload OpPayload) (string, error) {
	name, err := TaskName(op)
	if err != nil {
		return "", err
	}
	if payload.EnqueuedAt.IsZero() {
		payload.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	metrics.OperationsEnqueued.WithLabelValues(string(op)).Inc()
	go func() {
		task := asynq.NewTask(name, data)
		if err := q.handler.ProcessTask(context.Background(), task); err != nil {
			q.log.Error("inline operation failed",
				zap.String("task", name), zap.String("session", payload.Key.String()), zap.Error(err))
		}
	}()
	return payload.OpID, nil
}
