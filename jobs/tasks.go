package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/treasury/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit entries waiting to be re-appended.
	QueueAudit = "audit"

	// TaskReconcile verifies every closed period balance.
	TaskReconcile = "treasury:reconcile"
	// TaskEnsurePeriod opens the current month's period.
	TaskEnsurePeriod = "treasury:ensure-period"
	// TaskFrozenSeal seals the reports of a freshly closed period.
	TaskFrozenSeal = "treasury:frozen-seal"
	// TaskFrozenSweep re-hashes every sealed report.
	TaskFrozenSweep = "treasury:frozen-sweep"
	// TaskAuditRetry re-appends a spooled audit entry.
	TaskAuditRetry = "audit:retry"
)

// SealPayload identifies the period whose reports must be sealed.
type SealPayload struct {
	PeriodID int64       `json:"period_id"`
	Actor    audit.Actor `json:"actor"`
}

// AuditRetryPayload carries an entry the audit store rejected.
type AuditRetryPayload struct {
	Entry audit.Entry `json:"entry"`
}

// NewSealTask constructs a treasury:frozen-seal task. The task id dedupes
// repeated closes of the same period while one is pending.
func NewSealTask(payload SealPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFrozenSeal, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5), asynq.Unique(10*time.Minute)), nil
}

// NewAuditRetryTask constructs an audit:retry task keyed by the entry id.
func NewAuditRetryTask(entry audit.Entry) (*asynq.Task, error) {
	body, err := json.Marshal(AuditRetryPayload{Entry: entry})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetry, body, asynq.Queue(QueueAudit), asynq.MaxRetry(25), asynq.TaskID("audit:"+entry.ID.String())), nil
}

// NewPeriodicTask constructs a payload-less task for cron registrations and
// manual triggers.
func NewPeriodicTask(taskType string) *asynq.Task {
	return asynq.NewTask(taskType, nil, asynq.Queue(QueueDefault))
}

// PeriodicTasks lists the task types that can be triggered without payload.
var PeriodicTasks = []string{TaskReconcile, TaskEnsurePeriod, TaskFrozenSweep}
