package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treasury/internal/audit"
)

// ErrUnknownTask is returned when triggering a task type that needs a payload
// or does not exist.
var ErrUnknownTask = errors.New("jobs: unknown periodic task")

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueSeal schedules report sealing for a closed period.
func (c *Client) EnqueueSeal(ctx context.Context, periodID int64, actor audit.Actor) error {
	task, err := NewSealTask(SealPayload{PeriodID: periodID, Actor: actor})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// SpoolAuditEntry queues an entry for re-append.
func (c *Client) SpoolAuditEntry(ctx context.Context, e audit.Entry) error {
	task, err := NewAuditRetryTask(e)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Trigger enqueues one of the periodic tasks immediately.
func (c *Client) Trigger(ctx context.Context, taskType string) (*asynq.TaskInfo, error) {
	if !slices.Contains(PeriodicTasks, taskType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, taskType)
	}
	return c.client.EnqueueContext(ctx, NewPeriodicTask(taskType))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
