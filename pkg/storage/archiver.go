package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PartitionPruner is implemented by stores that can drop fully archived
// partitions. The SQLite store implements it; the in-memory store does not.
type PartitionPruner interface {
	PruneEmptyPartitions(ctx context.Context) (int, error)
}

// Archiver moves terminal instances older than the retention window out of
// the live partitioned tables into the flat archive store. Instances are
// moved, never deleted: the live row is removed only after the archive
// write succeeds.
type Archiver struct {
	store     Store
	archive   ArchiveStore
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewArchiver creates an archiver. retention is how long terminal
// instances stay in the live store after completion; interval is how often
// the mover runs.
func NewArchiver(store Store, archive ArchiveStore, retention, interval time.Duration, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if archive == nil {
		return nil, fmt.Errorf("archive store cannot be nil")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be greater than 0")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be greater than 0")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Archiver{
		store:     store,
		archive:   archive,
		retention: retention,
		interval:  interval,
		batchSize: 100,
		logger:    logger,
	}, nil
}

// Run executes the mover on the configured interval until the context is
// cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.ArchiveOnce(ctx); err != nil {
				a.logger.Error("Archival pass failed", zap.Error(err))
			}
		}
	}
}

// ArchiveOnce performs a single archival pass and returns the number of
// instances moved.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.retention)
	instancesToMove, err := a.store.ListArchivable(ctx, cutoff, a.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list archivable instances: %w", err)
	}

	moved := 0
	for _, inst := range instancesToMove {
		steps, err := a.store.ListStepRecords(ctx, inst.ID)
		if err != nil {
			return moved, fmt.Errorf("failed to load step history for %s: %w", inst.ID, err)
		}

		doc, err := json.Marshal(&ArchivedInstance{Instance: inst, Steps: steps})
		if err != nil {
			return moved, fmt.Errorf("failed to encode archive document for %s: %w", inst.ID, err)
		}

		key := archiveKey(inst.ID, inst.StartedAt)
		metadata := map[string]string{
			"definition_ref": inst.DefinitionRef,
			"status":         string(inst.Status),
		}
		if _, err := a.archive.Put(ctx, key, doc, metadata); err != nil {
			return moved, fmt.Errorf("failed to archive %s: %w", inst.ID, err)
		}

		if err := a.store.DeleteInstance(ctx, inst.ID); err != nil {
			return moved, fmt.Errorf("failed to remove archived instance %s: %w", inst.ID, err)
		}

		a.logger.Info("Archived instance",
			zap.String("instanceID", inst.ID),
			zap.String("definition", inst.DefinitionRef),
			zap.String("status", string(inst.Status)),
			zap.Int("steps", len(steps)))
		moved++
	}

	if pruner, ok := a.store.(PartitionPruner); ok && moved > 0 {
		if dropped, err := pruner.PruneEmptyPartitions(ctx); err != nil {
			a.logger.Warn("Failed to prune empty partitions", zap.Error(err))
		} else if dropped > 0 {
			a.logger.Info("Pruned empty partitions", zap.Int("dropped", dropped))
		}
	}

	return moved, nil
}

// archiveKey builds the flat archive document key:
// <yyyy>/<mm>/<instance-id>.json.
func archiveKey(instanceID string, startedAt time.Time) string {
	return fmt.Sprintf("%s/%s.json", startedAt.UTC().Format("2006/01"), instanceID)
}
