// Package queue defines the operation request messages and how they travel
// through asynq. Redelivery policy: bounded retries with exponential backoff,
// after which the task lands in asynq's archive (the dead-letter path) and the
// session is forced to ERROR by the worker's failure hook.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
)

// Task type names, one per operation kind. Handlers are registered against
// these explicitly at startup.
const (
	TaskMove          = "op:move"
	TaskDelete        = "op:delete"
	TaskRebuild       = "op:rebuild"
	TaskArchive       = "op:archive"
	TaskDirectArchive = "op:direct-archive"
	TaskInboxImport   = "op:inbox-import"
)

// TaskName maps an operation kind to its task type.
func TaskName(op model.Operation) (string, error) {
	switch op {
	case model.OpMove:
		return TaskMove, nil
	case model.OpDelete:
		return TaskDelete, nil
	case model.OpRebuild:
		return TaskRebuild, nil
	case model.OpArchive:
		return TaskArchive, nil
	case model.OpDirectArchive:
		return TaskDirectArchive, nil
	case model.OpDicomInboxImport:
		return TaskInboxImport, nil
	}
	return "", fmt.Errorf("unknown operation %q", op)
}

// OpPayload is the wire form of an operation request. It references exactly
// one session by key; inbox imports instead carry the persisted request id.
type OpPayload struct {
	OpID       string            `json:"op_id"`
	User       string            `json:"user"`
	Key        model.SessionKey  `json:"key"`
	Params     map[string]string `json:"params,omitempty"`
	InboxID    string            `json:"inbox_id,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// RetryPolicy captures the redelivery tuning for operation tasks.
type RetryPolicy struct {
	MaxRetry     int
	InitialDelay time.Duration
	Multiplier   int
}

// DefaultRetryPolicy matches the configured pipeline defaults: four
// redeliveries at 300s, 900s, 2700s, 8100s.
var DefaultRetryPolicy = RetryPolicy{MaxRetry: 4, InitialDelay: 300 * time.Second, Multiplier: 3}

// Delay returns the backoff before redelivery n (0-based): initial * mult^n.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < n; i++ {
		d *= time.Duration(p.Multiplier)
	}
	return d
}

// Enqueuer is the narrow interface callers depend on, so tests can capture
// requests without a Redis instance.
type Enqueuer interface {
	Enqueue(ctx context.Context, op model.Operation, payload OpPayload) (string, error)
}

// Client enqueues operation requests.
type Client struct {
	inner  *asynq.Client
	policy RetryPolicy
}

// NewClient wraps an asynq client with the retry policy.
func NewClient(inner *asynq.Client, policy RetryPolicy) *Client {
	return &Client{inner: inner, policy: policy}
}

// Enqueue submits one operation request. The caller must already hold the
// session's in-flight status; enqueueing without winning the gate breaks the
// per-session serialization.
func (c *Client) Enqueue(ctx context.Context, op model.Operation, payload OpPayload) (string, error) {
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
	task := asynq.NewTask(name, data)
	info, err := c.inner.EnqueueContext(ctx, task, asynq.MaxRetry(c.policy.MaxRetry))
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	metrics.OperationsEnqueued.WithLabelValues(string(op)).Inc()
	return info.ID, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.inner.Close()
}
