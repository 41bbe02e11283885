// Package storage persists process instances and step execution history.
// The persistent store is the single source of truth for instance state:
// the engine's in-memory variable scope is a write-through cache over it.
// Live data is time-partitioned by instance start time; terminal instances
// older than the retention window are moved to a flat archive store.
package storage

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/process"
)

// Store is the durable backend for instances, step records and instance
// leases. Implementations must make every write durable before returning:
// the engine's recovery invariant depends on it.
type Store interface {
	// CreateInstance persists a new instance. The instance id must be
	// globally unique.
	CreateInstance(ctx context.Context, inst *process.Instance) error

	// GetInstance loads an instance by id. Returns
	// errors.ErrInstanceNotFound when no live instance exists.
	GetInstance(ctx context.Context, id string) (*process.Instance, error)

	// UpdateInstance persists the mutable fields of an instance: status,
	// current step, variables, outputs, error info, completion time.
	UpdateInstance(ctx context.Context, inst *process.Instance) error

	// ListInstancesByStatus returns live instances in any of the given
	// statuses, oldest first.
	ListInstancesByStatus(ctx context.Context, statuses ...process.InstanceStatus) ([]*process.Instance, error)

	// AppendStepRecord appends one attempt row to the step log.
	AppendStepRecord(ctx context.Context, rec *process.StepRecord) error

	// UpdateStepStatus reconciles the status of an existing attempt row.
	// The engine appends a running (or async-dispatched) row before every
	// dispatch and reconciles it when the outcome arrives: on the awaited
	// return, on the detached completion callback, or when recovery marks a
	// dangling row interrupted. History stays one row per attempt.
	UpdateStepStatus(ctx context.Context, instanceID, stepName string, attempt int,
		status process.StepStatus, completedAt *time.Time,
		outputs map[string]interface{}, errInfo *process.ErrorInfo) error

	// ListStepRecords returns the full step history of an instance, totally
	// ordered by step name then attempt.
	ListStepRecords(ctx context.Context, instanceID string) ([]*process.StepRecord, error)

	// MarkInterrupted marks every running or async-dispatched step row of
	// an instance as interrupted. Returns the number of rows touched.
	MarkInterrupted(ctx context.Context, instanceID string) (int, error)

	// AcquireLease acquires the single-driver lease for an instance and
	// returns a fencing token. Returns errors.ErrLeaseHeld while another
	// driver holds an unexpired lease.
	AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (string, error)

	// RenewLease extends a held lease. Fails if the token is stale.
	RenewLease(ctx context.Context, instanceID, token string, ttl time.Duration) error

	// ReleaseLease releases a held lease. Releasing with a stale token is a
	// no-op.
	ReleaseLease(ctx context.Context, instanceID, token string) error

	// ListArchivable returns terminal instances that completed before the
	// cutoff, oldest first, up to limit.
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*process.Instance, error)

	// DeleteInstance removes an instance and its step rows from the live
	// store. Called by the archiver after a successful archive write.
	DeleteInstance(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}

// ArchiveStore is the flat destination for archived instances. The blob
// implementation writes one JSON document per instance.
type ArchiveStore interface {
	// Put writes one archived document and returns its location.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error)
}

// ArchivedInstance is the document written to the archive store: the
// instance plus its complete step history.
type ArchivedInstance struct {
	Instance *process.Instance     `json:"instance"`
	Steps    []*process.StepRecord `json:"steps"`
}
