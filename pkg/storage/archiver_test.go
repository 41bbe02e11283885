package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
)

// fakeArchive collects archived documents in memory.
type fakeArchive struct {
	mu       sync.Mutex
	docs     map[string][]byte
	metadata map[string]map[string]string
	failNext bool
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		docs:     make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (f *fakeArchive) Put(ctx context.Context, key string, data []byte, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", errors.New("archive unavailable")
	}
	f.docs[key] = data
	f.metadata[key] = metadata
	return "fake://" + key, nil
}

func terminalInstance(id string, completedAgo time.Duration) *process.Instance {
	now := time.Now()
	done := now.Add(-completedAgo)
	return &process.Instance{
		ID:            id,
		DefinitionRef: "crm/onboard",
		Status:        process.InstanceCompleted,
		StartedBy:     "tester",
		TriggeredBy:   "manual:tester",
		StartedAt:     now.Add(-completedAgo - time.Hour),
		CompletedAt:   &done,
	}
}

func TestArchiverValidation(t *testing.T) {
	store := NewMemoryStore()
	archive := newFakeArchive()

	_, err := NewArchiver(nil, archive, time.Hour, time.Minute, zap.NewNop())
	assert.Error(t, err)

	_, err = NewArchiver(store, nil, time.Hour, time.Minute, zap.NewNop())
	assert.Error(t, err)

	_, err = NewArchiver(store, archive, 0, time.Minute, zap.NewNop())
	assert.Error(t, err)

	_, err = NewArchiver(store, archive, time.Hour, time.Minute, zap.NewNop())
	assert.NoError(t, err)
}

func TestArchiveOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	archive := newFakeArchive()

	old := terminalInstance("old-1", 48*time.Hour)
	require.NoError(t, store.CreateInstance(ctx, old))
	require.NoError(t, store.AppendStepRecord(ctx, &process.StepRecord{
		InstanceID: "old-1",
		StepName:   "register",
		Status:     process.StepCompleted,
		StartedAt:  old.StartedAt,
		Attempt:    1,
	}))

	recent := terminalInstance("recent-1", time.Hour)
	require.NoError(t, store.CreateInstance(ctx, recent))

	a, err := NewArchiver(store, archive, 24*time.Hour, time.Minute, zap.NewNop())
	require.NoError(t, err)

	moved, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// The old instance left the live store; the recent one stayed.
	_, err = store.GetInstance(ctx, "old-1")
	assert.ErrorIs(t, err, sdkerrors.ErrInstanceNotFound)
	_, err = store.GetInstance(ctx, "recent-1")
	assert.NoError(t, err)

	// The archive document carries the instance and its step history.
	require.Len(t, archive.docs, 1)
	for key, data := range archive.docs {
		var doc ArchivedInstance
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, "old-1", doc.Instance.ID)
		require.Len(t, doc.Steps, 1)
		assert.Equal(t, "register", doc.Steps[0].StepName)
		assert.Equal(t, "crm/onboard", archive.metadata[key]["definition_ref"])
		assert.Equal(t, "completed", archive.metadata[key]["status"])
	}

	// A second pass finds nothing.
	moved, err = a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestArchiveOnceKeepsInstanceOnPutFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	archive := newFakeArchive()
	archive.failNext = true

	require.NoError(t, store.CreateInstance(ctx, terminalInstance("old-1", 48*time.Hour)))

	a, err := NewArchiver(store, archive, 24*time.Hour, time.Minute, zap.NewNop())
	require.NoError(t, err)

	_, err = a.ArchiveOnce(ctx)
	require.Error(t, err)

	// The live row survives a failed archive write; the next pass retries.
	_, err = store.GetInstance(ctx, "old-1")
	require.NoError(t, err)

	moved, err := a.ArchiveOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
}

func TestArchiverRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	a, err := NewArchiver(store, newFakeArchive(), time.Hour, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
}
