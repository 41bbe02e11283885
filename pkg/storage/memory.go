package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/variables"
)

// MemoryStore is an in-memory Store for tests and embedded single-process
// deployments. It honors the same lease and ordering semantics as the
// SQLite store but provides no durability.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*process.Instance
	steps     map[string][]*process.StepRecord
	leases    map[string]*memLease
}

type memLease struct {
	owner     string
	token     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*process.Instance),
		steps:     make(map[string][]*process.StepRecord),
		leases:    make(map[string]*memLease),
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneInstance(inst *process.Instance) *process.Instance {
	clone := *inst
	return &clone
}

// CreateInstance persists a new instance.
func (m *MemoryStore) CreateInstance(ctx context.Context, inst *process.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.ID]; exists {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// GetInstance loads an instance by id.
func (m *MemoryStore) GetInstance(ctx context.Context, id string) (*process.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrInstanceNotFound, id)
	}
	clone := cloneInstance(inst)
	if len(clone.EncodedVariables) > 0 {
		values, visibility, err := variables.ExternalFromEncoded(clone.EncodedVariables)
		if err != nil {
			return nil, err
		}
		clone.Variables = values
		clone.VariableVisibility = visibility
	}
	return clone, nil
}

// UpdateInstance persists the mutable fields of an instance.
func (m *MemoryStore) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; !ok {
		return fmt.Errorf("%w: %s", sdkerrors.ErrInstanceNotFound, inst.ID)
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// ListInstancesByStatus returns live instances in the given statuses.
func (m *MemoryStore) ListInstancesByStatus(ctx context.Context, statuses ...process.InstanceStatus) ([]*process.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[process.InstanceStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*process.Instance
	for _, inst := range m.instances {
		if wanted[inst.Status] {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// AppendStepRecord appends one attempt row.
func (m *MemoryStore) AppendStepRecord(ctx context.Context, rec *process.StepRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[rec.InstanceID]; !ok {
		return fmt.Errorf("%w: %s", sdkerrors.ErrInstanceNotFound, rec.InstanceID)
	}
	clone := *rec
	m.steps[rec.InstanceID] = append(m.steps[rec.InstanceID], &clone)
	return nil
}

// UpdateStepStatus reconciles the status of an existing attempt row.
func (m *MemoryStore) UpdateStepStatus(ctx context.Context, instanceID, stepName string, attempt int,
	status process.StepStatus, completedAt *time.Time,
	outputs map[string]interface{}, errInfo *process.ErrorInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.steps[instanceID] {
		if rec.StepName == stepName && rec.Attempt == attempt {
			rec.Status = status
			rec.CompletedAt = completedAt
			if completedAt != nil {
				rec.Duration = completedAt.Sub(rec.StartedAt).Milliseconds()
			}
			if outputs != nil {
				rec.Outputs = outputs
			}
			if errInfo != nil {
				rec.Error = errInfo
			}
			return nil
		}
	}
	return fmt.Errorf("step record not found: instance=%s step=%s attempt=%d", instanceID, stepName, attempt)
}

// ListStepRecords returns the step history totally ordered by step name
// then attempt.
func (m *MemoryStore) ListStepRecords(ctx context.Context, instanceID string) ([]*process.StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.steps[instanceID]
	out := make([]*process.StepRecord, len(records))
	for i, rec := range records {
		clone := *rec
		out[i] = &clone
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepName == out[j].StepName {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].StepName < out[j].StepName
	})
	return out, nil
}

// MarkInterrupted marks running and async-dispatched rows interrupted.
func (m *MemoryStore) MarkInterrupted(ctx context.Context, instanceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.steps[instanceID] {
		if rec.Status == process.StepRunning || rec.Status == process.StepAsyncDispatched {
			rec.Status = process.StepInterrupted
			count++
		}
	}
	return count, nil
}

// AcquireLease acquires the single-driver lease for an instance.
func (m *MemoryStore) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if lease, ok := m.leases[instanceID]; ok && lease.expiresAt.After(now) && lease.owner != owner {
		return "", fmt.Errorf("%w: instance=%s holder=%s", sdkerrors.ErrLeaseHeld, instanceID, lease.owner)
	}
	token := uuid.NewString()
	m.leases[instanceID] = &memLease{owner: owner, token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

// RenewLease extends a held lease.
func (m *MemoryStore) RenewLease(ctx context.Context, instanceID, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lease, ok := m.leases[instanceID]
	if !ok || lease.token != token {
		return fmt.Errorf("%w: stale lease token for instance %s", sdkerrors.ErrLeaseHeld, instanceID)
	}
	lease.expiresAt = time.Now().Add(ttl)
	return nil
}

// ReleaseLease releases a held lease.
func (m *MemoryStore) ReleaseLease(ctx context.Context, instanceID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease, ok := m.leases[instanceID]; ok && lease.token == token {
		delete(m.leases, instanceID)
	}
	return nil
}

// ListArchivable returns terminal instances completed before the cutoff.
func (m *MemoryStore) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*process.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*process.Instance
	for _, inst := range m.instances {
		if inst.Status.IsTerminal() && inst.CompletedAt != nil && inst.CompletedAt.Before(cutoff) {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteInstance removes an instance and its step rows.
func (m *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	delete(m.steps, id)
	delete(m.leases, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
