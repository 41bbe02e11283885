package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
)

func newInstance(id string, status process.InstanceStatus, startedAt time.Time) *process.Instance {
	return &process.Instance{
		ID:            id,
		DefinitionRef: "crm/onboard",
		Status:        status,
		StartedBy:     "tester",
		TriggeredBy:   "manual:tester",
		StartedAt:     startedAt,
	}
}

func TestMemoryStoreInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	inst := newInstance("inst-1", process.InstancePending, time.Now())
	require.NoError(t, m.CreateInstance(ctx, inst))

	// Duplicate ids are rejected.
	assert.Error(t, m.CreateInstance(ctx, inst))

	got, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, process.InstancePending, got.Status)

	// Mutating the returned copy does not leak into the store.
	got.Status = process.InstanceFailed
	again, err := m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, process.InstancePending, again.Status)

	inst.Status = process.InstanceRunning
	inst.CurrentStep = "register"
	require.NoError(t, m.UpdateInstance(ctx, inst))

	got, err = m.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, process.InstanceRunning, got.Status)
	assert.Equal(t, "register", got.CurrentStep)

	_, err = m.GetInstance(ctx, "absent")
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)

	assert.ErrorIs(t, m.UpdateInstance(ctx, newInstance("absent", process.InstanceRunning, time.Now())),
		sdkerrors.ErrInstanceNotFound)
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	base := time.Now()
	require.NoError(t, m.CreateInstance(ctx, newInstance("old", process.InstanceRunning, base.Add(-time.Hour))))
	require.NoError(t, m.CreateInstance(ctx, newInstance("new", process.InstanceRunning, base)))
	require.NoError(t, m.CreateInstance(ctx, newInstance("done", process.InstanceCompleted, base)))

	got, err := m.ListInstancesByStatus(ctx, process.InstanceRunning)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Oldest first.
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "new", got[1].ID)

	both, err := m.ListInstancesByStatus(ctx, process.InstanceRunning, process.InstanceCompleted)
	require.NoError(t, err)
	assert.Len(t, both, 3)
}

func TestMemoryStoreStepReconcile(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	started := time.Now().Add(-time.Second)
	require.NoError(t, m.AppendStepRecord(ctx, &process.StepRecord{
		InstanceID: "inst-1",
		StepName:   "register",
		TargetRef:  "crm/register",
		Status:     process.StepRunning,
		StartedAt:  started,
		Attempt:    1,
	}))

	done := time.Now()
	outputs := map[string]interface{}{"account": "acct-1"}
	require.NoError(t, m.UpdateStepStatus(ctx, "inst-1", "register", 1,
		process.StepCompleted, &done, outputs, nil))

	records, err := m.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, process.StepCompleted, records[0].Status)
	assert.Equal(t, outputs, records[0].Outputs)
	assert.GreaterOrEqual(t, records[0].Duration, int64(1000))

	// Reconciling a row that was never appended fails.
	assert.Error(t, m.UpdateStepStatus(ctx, "inst-1", "register", 2,
		process.StepCompleted, &done, nil, nil))

	// Appending against a missing instance fails.
	assert.ErrorIs(t, m.AppendStepRecord(ctx, &process.StepRecord{InstanceID: "absent", StepName: "x", Attempt: 1}),
		sdkerrors.ErrInstanceNotFound)
}

func TestMemoryStoreStepOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	// b starts first in wall-clock time; the listing still orders by step
	// name then attempt.
	base := time.Now()
	for i, spec := range []struct {
		step    string
		attempt int
		offset  time.Duration
	}{
		{"b", 1, 0},
		{"a", 2, 2 * time.Second},
		{"a", 1, time.Second},
	} {
		require.NoError(t, m.AppendStepRecord(ctx, &process.StepRecord{
			InstanceID: "inst-1",
			StepName:   spec.step,
			Status:     process.StepCompleted,
			StartedAt:  base.Add(spec.offset),
			Attempt:    spec.attempt,
		}), "record %d", i)
	}

	records, err := m.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].StepName)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, "a", records[1].StepName)
	assert.Equal(t, 2, records[1].Attempt)
	assert.Equal(t, "b", records[2].StepName)
}

func TestMemoryStoreMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	for _, rec := range []*process.StepRecord{
		{InstanceID: "inst-1", StepName: "a", Status: process.StepCompleted, Attempt: 1},
		{InstanceID: "inst-1", StepName: "b", Status: process.StepRunning, Attempt: 1},
		{InstanceID: "inst-1", StepName: "c", Status: process.StepAsyncDispatched, Attempt: 1},
	} {
		require.NoError(t, m.AppendStepRecord(ctx, rec))
	}

	count, err := m.MarkInterrupted(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, err := m.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	statuses := map[string]process.StepStatus{}
	for _, rec := range records {
		statuses[rec.StepName] = rec.Status
	}
	assert.Equal(t, process.StepCompleted, statuses["a"])
	assert.Equal(t, process.StepInterrupted, statuses["b"])
	assert.Equal(t, process.StepInterrupted, statuses["c"])
}

func TestMemoryStoreLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	token, err := m.AcquireLease(ctx, "inst-1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A second owner is fenced out while the lease is live.
	_, err = m.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.ErrorIs(t, err, sdkerrors.ErrLeaseHeld)

	// The same owner may re-acquire; the old token goes stale.
	token2, err := m.AcquireLease(ctx, "inst-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, token, token2)
	assert.ErrorIs(t, m.RenewLease(ctx, "inst-1", token, time.Minute), sdkerrors.ErrLeaseHeld)
	assert.NoError(t, m.RenewLease(ctx, "inst-1", token2, time.Minute))

	// Releasing with a stale token is a no-op; the live lease survives.
	require.NoError(t, m.ReleaseLease(ctx, "inst-1", token))
	_, err = m.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.ErrorIs(t, err, sdkerrors.ErrLeaseHeld)

	// Releasing with the live token frees the instance.
	require.NoError(t, m.ReleaseLease(ctx, "inst-1", token2))
	_, err = m.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStoreLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.AcquireLease(ctx, "inst-1", "owner-a", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// An expired lease can be taken over by another owner.
	_, err = m.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStoreArchivable(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	now := time.Now()
	old := newInstance("old", process.InstanceCompleted, now.Add(-48*time.Hour))
	oldDone := now.Add(-47 * time.Hour)
	old.CompletedAt = &oldDone

	older := newInstance("older", process.InstanceFailed, now.Add(-72*time.Hour))
	olderDone := now.Add(-71 * time.Hour)
	older.CompletedAt = &olderDone

	recent := newInstance("recent", process.InstanceCompleted, now.Add(-time.Hour))
	recentDone := now.Add(-30 * time.Minute)
	recent.CompletedAt = &recentDone

	running := newInstance("running", process.InstanceRunning, now.Add(-96*time.Hour))

	for _, inst := range []*process.Instance{old, older, recent, running} {
		require.NoError(t, m.CreateInstance(ctx, inst))
	}

	got, err := m.ListArchivable(ctx, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "older", got[0].ID)
	assert.Equal(t, "old", got[1].ID)

	// Limit applies after ordering.
	got, err = m.ListArchivable(ctx, now.Add(-24*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "older", got[0].ID)

	require.NoError(t, m.DeleteInstance(ctx, "older"))
	_, err = m.GetInstance(ctx, "older")
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)
}
