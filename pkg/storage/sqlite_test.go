package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/variables"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "daedalus.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteInstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	vars := variables.NewStore(nil)
	require.NoError(t, vars.Set("account", "acct-1", variables.VisibilityLogged))
	require.NoError(t, vars.Set("ssn", "123", variables.VisibilityHidden))
	encoded, err := vars.Export()
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)
	inst := &process.Instance{
		ID:               "onboard-20260828-abc123",
		DefinitionRef:    "crm/onboard",
		DisplayName:      "Onboarding c-1042",
		Status:           process.InstanceRunning,
		CurrentStep:      "register",
		Inputs:           map[string]interface{}{"customer_id": "c-1042"},
		EncodedVariables: encoded,
		StartedBy:        "tester",
		TriggeredBy:      "manual:tester",
		ParentInstanceID: "parent-1",
		StartedAt:        started,
	}
	require.NoError(t, s.CreateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.DefinitionRef, got.DefinitionRef)
	assert.Equal(t, inst.DisplayName, got.DisplayName)
	assert.Equal(t, process.InstanceRunning, got.Status)
	assert.Equal(t, "register", got.CurrentStep)
	assert.Equal(t, "c-1042", got.Inputs["customer_id"])
	assert.Equal(t, "manual:tester", got.TriggeredBy)
	assert.Equal(t, "parent-1", got.ParentInstanceID)
	assert.Equal(t, started, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	// Variables come back in externally visible form.
	assert.Equal(t, "acct-1", got.Variables["account"])
	assert.Equal(t, "hidden", got.VariableVisibility["ssn"])
	assert.NotEqual(t, "123", got.Variables["ssn"])

	_, err = s.GetInstance(ctx, "absent")
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)
}

func TestSQLiteUpdateInstance(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	inst := newInstance("inst-1", process.InstanceRunning, time.Now())
	require.NoError(t, s.CreateInstance(ctx, inst))

	done := time.Now().UTC().Truncate(time.Millisecond)
	inst.Status = process.InstanceFailed
	inst.CurrentStep = ""
	inst.CompletedAt = &done
	inst.Error = &process.ErrorInfo{
		StepName: "register",
		Kind:     "execution",
		Message:  "boom",
		Attempt:  3,
	}
	require.NoError(t, s.UpdateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, process.InstanceFailed, got.Status)
	assert.Empty(t, got.CurrentStep)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, done, *got.CompletedAt)
	require.NotNil(t, got.Error)
	assert.Equal(t, "execution", got.Error.Kind)
	assert.Equal(t, 3, got.Error.Attempt)

	// The index table tracks status for listing.
	failed, err := s.ListInstancesByStatus(ctx, process.InstanceFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "inst-1", failed[0].ID)
}

func TestSQLiteListByStatusOrdering(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	base := time.Now()
	require.NoError(t, s.CreateInstance(ctx, newInstance("new", process.InstanceRunning, base)))
	require.NoError(t, s.CreateInstance(ctx, newInstance("old", process.InstanceRunning, base.Add(-time.Hour))))
	require.NoError(t, s.CreateInstance(ctx, newInstance("done", process.InstanceCompleted, base)))

	got, err := s.ListInstancesByStatus(ctx, process.InstanceRunning)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "old", got[0].ID)
	assert.Equal(t, "new", got[1].ID)
}

func TestSQLiteStepLog(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	started := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.AppendStepRecord(ctx, &process.StepRecord{
		InstanceID: "inst-1",
		StepName:   "register",
		TargetRef:  "crm/register",
		Status:     process.StepRunning,
		StartedAt:  started,
		Attempt:    1,
		Inputs:     map[string]interface{}{"customer_id": "c-1042"},
	}))

	// Reconcile to failed with error info; outputs stay NULL.
	failedAt := started.Add(time.Second)
	require.NoError(t, s.UpdateStepStatus(ctx, "inst-1", "register", 1,
		process.StepFailed, &failedAt, nil,
		&process.ErrorInfo{StepName: "register", Kind: "timeout", Message: "deadline", Attempt: 1}))

	// Second attempt succeeds with outputs.
	require.NoError(t, s.AppendStepRecord(ctx, &process.StepRecord{
		InstanceID: "inst-1",
		StepName:   "register",
		TargetRef:  "crm/register",
		Status:     process.StepRunning,
		StartedAt:  started.Add(2 * time.Second),
		Attempt:    2,
	}))
	doneAt := started.Add(3 * time.Second)
	require.NoError(t, s.UpdateStepStatus(ctx, "inst-1", "register", 2,
		process.StepCompleted, &doneAt, map[string]interface{}{"account": "acct-1"}, nil))

	records, err := s.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	first := records[0]
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, process.StepFailed, first.Status)
	assert.Equal(t, "c-1042", first.Inputs["customer_id"])
	assert.Nil(t, first.Outputs)
	require.NotNil(t, first.Error)
	assert.Equal(t, "timeout", first.Error.Kind)

	second := records[1]
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, process.StepCompleted, second.Status)
	assert.Equal(t, "acct-1", second.Outputs["account"])
	assert.Equal(t, doneAt.Sub(second.StartedAt).Milliseconds(), second.Duration)

	// Reconciling a missing row fails.
	assert.Error(t, s.UpdateStepStatus(ctx, "inst-1", "register", 9,
		process.StepCompleted, &doneAt, nil, nil))
}

func TestSQLiteStepOrdering(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	// notify starts first in wall-clock time; the listing still orders by
	// step name then attempt.
	base := time.Now().UTC().Truncate(time.Millisecond)
	for _, spec := range []struct {
		step    string
		attempt int
		offset  time.Duration
	}{
		{"notify", 1, 0},
		{"charge", 2, 2 * time.Second},
		{"charge", 1, time.Second},
	} {
		require.NoError(t, s.AppendStepRecord(ctx, &process.StepRecord{
			InstanceID: "inst-1",
			StepName:   spec.step,
			TargetRef:  "crm/" + spec.step,
			Status:     process.StepCompleted,
			StartedAt:  base.Add(spec.offset),
			Attempt:    spec.attempt,
		}))
	}

	records, err := s.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "charge", records[0].StepName)
	assert.Equal(t, 1, records[0].Attempt)
	assert.Equal(t, "charge", records[1].StepName)
	assert.Equal(t, 2, records[1].Attempt)
	assert.Equal(t, "notify", records[2].StepName)
}

func TestSQLiteMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.CreateInstance(ctx, newInstance("inst-1", process.InstanceRunning, time.Now())))

	now := time.Now()
	for _, rec := range []*process.StepRecord{
		{InstanceID: "inst-1", StepName: "a", Status: process.StepCompleted, StartedAt: now, Attempt: 1},
		{InstanceID: "inst-1", StepName: "b", Status: process.StepRunning, StartedAt: now, Attempt: 1},
		{InstanceID: "inst-1", StepName: "c", Status: process.StepAsyncDispatched, StartedAt: now, Attempt: 1},
	} {
		require.NoError(t, s.AppendStepRecord(ctx, rec))
	}

	count, err := s.MarkInterrupted(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	records, err := s.ListStepRecords(ctx, "inst-1")
	require.NoError(t, err)
	interrupted := 0
	for _, rec := range records {
		if rec.Status == process.StepInterrupted {
			interrupted++
		}
	}
	assert.Equal(t, 2, interrupted)
}

func TestSQLiteLeaseFencing(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	token, err := s.AcquireLease(ctx, "inst-1", "owner-a", time.Minute)
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.ErrorIs(t, err, sdkerrors.ErrLeaseHeld)

	require.NoError(t, s.RenewLease(ctx, "inst-1", token, time.Minute))
	assert.ErrorIs(t, s.RenewLease(ctx, "inst-1", "stale-token", time.Minute), sdkerrors.ErrLeaseHeld)

	require.NoError(t, s.ReleaseLease(ctx, "inst-1", token))
	_, err = s.AcquireLease(ctx, "inst-1", "owner-b", time.Minute)
	assert.NoError(t, err)
}

func TestSQLiteCrossPartition(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	// Two instances in different monthly partitions resolve through the
	// index table.
	thisMonth := newInstance("recent", process.InstanceRunning, time.Now())
	lastYear := newInstance("ancient", process.InstanceCompleted, time.Now().AddDate(-1, 0, 0))
	done := time.Now().AddDate(-1, 0, 1)
	lastYear.CompletedAt = &done

	require.NoError(t, s.CreateInstance(ctx, thisMonth))
	require.NoError(t, s.CreateInstance(ctx, lastYear))

	got, err := s.GetInstance(ctx, "ancient")
	require.NoError(t, err)
	assert.Equal(t, process.InstanceCompleted, got.Status)

	archivable, err := s.ListArchivable(ctx, time.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, archivable, 1)
	assert.Equal(t, "ancient", archivable[0].ID)

	require.NoError(t, s.DeleteInstance(ctx, "ancient"))
	_, err = s.GetInstance(ctx, "ancient")
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)

	// The other partition is untouched.
	_, err = s.GetInstance(ctx, "recent")
	assert.NoError(t, err)
}
