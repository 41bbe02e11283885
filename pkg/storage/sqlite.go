package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/process"
	"github.com/wehubfusion/Daedalus/pkg/variables"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists instances and step history in SQLite. Tables are
// partitioned monthly by instance start time (process_instances_YYYYMM /
// process_step_log_YYYYMM) and created on demand; an index table maps each
// instance id to its partition so point lookups never scan partitions.
type SQLiteStore struct {
	sqlDB  *sql.DB
	logger *zap.Logger

	mu         sync.Mutex
	partitions map[string]bool
}

var _ Store = (*SQLiteStore)(nil)

const indexSchema = `
CREATE TABLE IF NOT EXISTS instance_index (
  instance_id TEXT PRIMARY KEY,
  partition TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_instance_index_status ON instance_index(status, started_at);
CREATE TABLE IF NOT EXISTS instance_leases (
  instance_id TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  token TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
`

// OpenSQLite opens (creating if needed) a SQLite store at the given path.
// Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(indexSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}

	return &SQLiteStore{
		sqlDB:      sqlDB,
		logger:     logger,
		partitions: make(map[string]bool),
	}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// partitionName derives the monthly partition key from a start time.
func partitionName(startedAt time.Time) string {
	return startedAt.UTC().Format("200601")
}

// ensurePartition creates the partition tables for a key if missing.
func (s *SQLiteStore) ensurePartition(ctx context.Context, part string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions[part] {
		return nil
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS process_instances_%[1]s (
  instance_id TEXT PRIMARY KEY,
  definition_ref TEXT NOT NULL,
  display_name TEXT,
  status TEXT NOT NULL,
  current_step TEXT,
  inputs TEXT,
  variables TEXT,
  variable_visibility TEXT,
  outputs TEXT,
  error_info TEXT,
  started_at INTEGER NOT NULL,
  completed_at INTEGER,
  started_by TEXT,
  parent_instance_id TEXT,
  triggered_by TEXT
);
CREATE TABLE IF NOT EXISTS process_step_log_%[1]s (
  process_instance_id TEXT NOT NULL,
  step_name TEXT NOT NULL,
  target_ref TEXT NOT NULL,
  status TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  completed_at INTEGER,
  duration INTEGER,
  inputs TEXT,
  outputs TEXT,
  error_info TEXT,
  attempt INTEGER NOT NULL,
  is_fire_and_forget INTEGER NOT NULL DEFAULT 0,
  is_parallel INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (process_instance_id, step_name, attempt)
);
CREATE INDEX IF NOT EXISTS idx_step_log_%[1]s_started ON process_step_log_%[1]s(process_instance_id, started_at);
`, part)

	if _, err := s.sqlDB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create partition %s: %w", part, err)
	}
	s.partitions[part] = true
	s.logger.Debug("Ensured storage partition", zap.String("partition", part))
	return nil
}

// partitionFor resolves an instance's partition through the index table.
func (s *SQLiteStore) partitionFor(ctx context.Context, instanceID string) (string, error) {
	var part string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT partition FROM instance_index WHERE instance_id = ?`, instanceID).Scan(&part)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", sdkerrors.ErrInstanceNotFound, instanceID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup partition: %w", err)
	}
	return part, nil
}

func encodeJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	// Typed nils (nil maps, nil pointers) marshal to null; store SQL NULL.
	if string(raw) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, target interface{}) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func millisPtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := time.UnixMilli(ni.Int64).UTC()
	return &t
}

// CreateInstance persists a new instance into the partition derived from
// its start time, and records the mapping in the index table.
func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *process.Instance) error {
	part := partitionName(inst.StartedAt)
	if err := s.ensurePartition(ctx, part); err != nil {
		return err
	}

	inputs, err := encodeJSON(inst.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	vars, err := encodeJSON(inst.EncodedVariables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	visibility, err := encodeJSON(inst.VariableVisibility)
	if err != nil {
		return fmt.Errorf("encode variable visibility: %w", err)
	}
	outputs, err := encodeJSON(inst.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	errInfo, err := encodeJSON(inst.Error)
	if err != nil {
		return fmt.Errorf("encode error info: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO process_instances_%s (
  instance_id, definition_ref, display_name, status, current_step,
  inputs, variables, variable_visibility, outputs, error_info,
  started_at, completed_at, started_by, parent_instance_id, triggered_by
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, part),
		inst.ID, inst.DefinitionRef, inst.DisplayName, string(inst.Status), inst.CurrentStep,
		inputs, vars, visibility, outputs, errInfo,
		inst.StartedAt.UTC().UnixMilli(), nullMillis(inst.CompletedAt),
		inst.StartedBy, inst.ParentInstanceID, inst.TriggeredBy)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instance_index (instance_id, partition, status, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		inst.ID, part, string(inst.Status), inst.StartedAt.UTC().UnixMilli(), nullMillis(inst.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert instance index: %w", err)
	}

	return tx.Commit()
}

const instanceColumns = `instance_id, definition_ref, display_name, status, current_step,
  inputs, variables, variable_visibility, outputs, error_info,
  started_at, completed_at, started_by, parent_instance_id, triggered_by`

func scanInstance(row interface{ Scan(...interface{}) error }) (*process.Instance, error) {
	var (
		inst        process.Instance
		status      string
		inputs      sql.NullString
		vars        sql.NullString
		visibility  sql.NullString
		outputs     sql.NullString
		errInfo     sql.NullString
		displayName sql.NullString
		currentStep sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
		startedBy   sql.NullString
		parentID    sql.NullString
		triggeredBy sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.DefinitionRef, &displayName, &status, &currentStep,
		&inputs, &vars, &visibility, &outputs, &errInfo,
		&startedAt, &completedAt, &startedBy, &parentID, &triggeredBy)
	if err != nil {
		return nil, err
	}

	inst.DisplayName = displayName.String
	inst.Status = process.InstanceStatus(status)
	inst.CurrentStep = currentStep.String
	inst.StartedAt = time.UnixMilli(startedAt).UTC()
	inst.CompletedAt = millisPtr(completedAt)
	inst.StartedBy = startedBy.String
	inst.ParentInstanceID = parentID.String
	inst.TriggeredBy = triggeredBy.String

	if err := decodeJSON(inputs, &inst.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := decodeJSON(vars, &inst.EncodedVariables); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	if err := decodeJSON(outputs, &inst.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if err := decodeJSON(errInfo, &inst.Error); err != nil {
		return nil, fmt.Errorf("decode error info: %w", err)
	}

	if len(inst.EncodedVariables) > 0 {
		values, vis, err := variables.ExternalFromEncoded(inst.EncodedVariables)
		if err != nil {
			return nil, err
		}
		inst.Variables = values
		inst.VariableVisibility = vis
	}
	return &inst, nil
}

// GetInstance loads an instance by id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*process.Instance, error) {
	part, err := s.partitionFor(ctx, id)
	if err != nil {
		return nil, err
	}
	row := s.sqlDB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM process_instances_%s WHERE instance_id = ?`, instanceColumns, part), id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists the mutable fields of an instance and keeps the
// index table's status in sync.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	part, err := s.partitionFor(ctx, inst.ID)
	if err != nil {
		return err
	}

	vars, err := encodeJSON(inst.EncodedVariables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	visibility, err := encodeJSON(inst.VariableVisibility)
	if err != nil {
		return fmt.Errorf("encode variable visibility: %w", err)
	}
	outputs, err := encodeJSON(inst.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	errInfo, err := encodeJSON(inst.Error)
	if err != nil {
		return fmt.Errorf("encode error info: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE process_instances_%s SET
  status = ?, current_step = ?, variables = ?, variable_visibility = ?,
  outputs = ?, error_info = ?, completed_at = ?
WHERE instance_id = ?`, part),
		string(inst.Status), inst.CurrentStep, vars, visibility,
		outputs, errInfo, nullMillis(inst.CompletedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE instance_index SET status = ?, completed_at = ? WHERE instance_id = ?`,
		string(inst.Status), nullMillis(inst.CompletedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("update instance index: %w", err)
	}

	return tx.Commit()
}

// ListInstancesByStatus returns live instances in the given statuses.
func (s *SQLiteStore) ListInstancesByStatus(ctx context.Context, statuses ...process.InstanceStatus) ([]*process.Instance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf(
		`SELECT instance_id FROM instance_index WHERE status IN (%s) ORDER BY started_at`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*process.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// AppendStepRecord appends one attempt row to the instance's partition.
func (s *SQLiteStore) AppendStepRecord(ctx context.Context, rec *process.StepRecord) error {
	part, err := s.partitionFor(ctx, rec.InstanceID)
	if err != nil {
		return err
	}

	inputs, err := encodeJSON(rec.Inputs)
	if err != nil {
		return fmt.Errorf("encode step inputs: %w", err)
	}
	outputs, err := encodeJSON(rec.Outputs)
	if err != nil {
		return fmt.Errorf("encode step outputs: %w", err)
	}
	errInfo, err := encodeJSON(rec.Error)
	if err != nil {
		return fmt.Errorf("encode step error: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO process_step_log_%s (
  process_instance_id, step_name, target_ref, status,
  started_at, completed_at, duration, inputs, outputs, error_info,
  attempt, is_fire_and_forget, is_parallel
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, part),
		rec.InstanceID, rec.StepName, rec.TargetRef, string(rec.Status),
		rec.StartedAt.UTC().UnixMilli(), nullMillis(rec.CompletedAt), rec.Duration,
		inputs, outputs, errInfo,
		rec.Attempt, boolToInt(rec.FireAndForget), boolToInt(rec.Parallel))
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpdateStepStatus reconciles the status of an existing attempt row.
func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, instanceID, stepName string, attempt int,
	status process.StepStatus, completedAt *time.Time,
	outputs map[string]interface{}, errInfo *process.ErrorInfo) error {
	part, err := s.partitionFor(ctx, instanceID)
	if err != nil {
		return err
	}

	encErr, err := encodeJSON(errInfo)
	if err != nil {
		return fmt.Errorf("encode step error: %w", err)
	}
	encOut, err := encodeJSON(outputs)
	if err != nil {
		return fmt.Errorf("encode step outputs: %w", err)
	}

	res, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
UPDATE process_step_log_%s SET
  status = ?, completed_at = ?,
  duration = CASE WHEN ? IS NULL THEN duration ELSE ? - started_at END,
  outputs = COALESCE(?, outputs),
  error_info = COALESCE(?, error_info)
WHERE process_instance_id = ? AND step_name = ? AND attempt = ?`, part),
		string(status), nullMillis(completedAt),
		nullMillis(completedAt), nullMillis(completedAt), encOut, encErr,
		instanceID, stepName, attempt)
	if err != nil {
		return fmt.Errorf("update step record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("step record not found: instance=%s step=%s attempt=%d", instanceID, stepName, attempt)
	}
	return nil
}

// ListStepRecords returns the step history totally ordered by step name
// then attempt.
func (s *SQLiteStore) ListStepRecords(ctx context.Context, instanceID string) ([]*process.StepRecord, error) {
	part, err := s.partitionFor(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf(`
SELECT process_instance_id, step_name, target_ref, status,
  started_at, completed_at, duration, inputs, outputs, error_info,
  attempt, is_fire_and_forget, is_parallel
FROM process_step_log_%s
WHERE process_instance_id = ?
ORDER BY step_name, attempt`, part), instanceID)
	if err != nil {
		return nil, fmt.Errorf("list step records: %w", err)
	}
	defer rows.Close()

	var out []*process.StepRecord
	for rows.Next() {
		var (
			rec         process.StepRecord
			status      string
			startedAt   int64
			completedAt sql.NullInt64
			duration    sql.NullInt64
			inputs      sql.NullString
			outputs     sql.NullString
			errInfo     sql.NullString
			fireForget  int
			parallel    int
		)
		err := rows.Scan(&rec.InstanceID, &rec.StepName, &rec.TargetRef, &status,
			&startedAt, &completedAt, &duration, &inputs, &outputs, &errInfo,
			&rec.Attempt, &fireForget, &parallel)
		if err != nil {
			return nil, err
		}
		rec.Status = process.StepStatus(status)
		rec.StartedAt = time.UnixMilli(startedAt).UTC()
		rec.CompletedAt = millisPtr(completedAt)
		rec.Duration = duration.Int64
		rec.FireAndForget = fireForget != 0
		rec.Parallel = parallel != 0
		if err := decodeJSON(inputs, &rec.Inputs); err != nil {
			return nil, fmt.Errorf("decode step inputs: %w", err)
		}
		if err := decodeJSON(outputs, &rec.Outputs); err != nil {
			return nil, fmt.Errorf("decode step outputs: %w", err)
		}
		if err := decodeJSON(errInfo, &rec.Error); err != nil {
			return nil, fmt.Errorf("decode step error: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// MarkInterrupted marks running and async-dispatched rows interrupted.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context, instanceID string) (int, error) {
	part, err := s.partitionFor(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	res, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`
UPDATE process_step_log_%s SET status = ?
WHERE process_instance_id = ? AND status IN (?, ?)`, part),
		string(process.StepInterrupted), instanceID,
		string(process.StepRunning), string(process.StepAsyncDispatched))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// AcquireLease acquires the single-driver lease for an instance. An
// expired lease may be stolen; a live lease held by another owner fails
// with ErrLeaseHeld.
func (s *SQLiteStore) AcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := uuid.NewString()
	expires := now.Add(ttl).UnixMilli()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		currentOwner string
		expiresAt    int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT owner, expires_at FROM instance_leases WHERE instance_id = ?`, instanceID).
		Scan(&currentOwner, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO instance_leases (instance_id, owner, token, expires_at) VALUES (?, ?, ?, ?)`,
			instanceID, owner, token, expires)
		if err != nil {
			return "", fmt.Errorf("insert lease: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("lookup lease: %w", err)
	default:
		if expiresAt > now.UnixMilli() && currentOwner != owner {
			return "", fmt.Errorf("%w: instance=%s holder=%s", sdkerrors.ErrLeaseHeld, instanceID, currentOwner)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE instance_leases SET owner = ?, token = ?, expires_at = ? WHERE instance_id = ?`,
			owner, token, expires, instanceID)
		if err != nil {
			return "", fmt.Errorf("update lease: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// RenewLease extends a held lease; fails on a stale token.
func (s *SQLiteStore) RenewLease(ctx context.Context, instanceID, token string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl).UnixMilli()
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE instance_leases SET expires_at = ? WHERE instance_id = ? AND token = ?`,
		expires, instanceID, token)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: stale lease token for instance %s", sdkerrors.ErrLeaseHeld, instanceID)
	}
	return nil
}

// ReleaseLease releases a held lease; stale tokens are a no-op.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, instanceID, token string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM instance_leases WHERE instance_id = ? AND token = ?`, instanceID, token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// ListArchivable returns terminal instances completed before the cutoff.
func (s *SQLiteStore) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*process.Instance, error) {
	query := `SELECT instance_id FROM instance_index
WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
ORDER BY completed_at`
	args := []interface{}{
		string(process.InstanceCompleted), string(process.InstanceFailed),
		string(process.InstanceCancelled), cutoff.UTC().UnixMilli(),
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list archivable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*process.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// DeleteInstance removes an instance, its step rows, its lease, and its
// index entry from the live store.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	part, err := s.partitionFor(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM process_step_log_%s WHERE process_instance_id = ?`, part), id); err != nil {
		return fmt.Errorf("delete step records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM process_instances_%s WHERE instance_id = ?`, part), id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_index WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("delete instance index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_leases WHERE instance_id = ?`, id); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}

	return tx.Commit()
}

// PruneEmptyPartitions drops partition tables whose instances have all been
// archived away. Historical partitions age out independently of the state
// machine.
func (s *SQLiteStore) PruneEmptyPartitions(ctx context.Context) (int, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'process_instances_%'`)
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 0, err
		}
		parts = append(parts, strings.TrimPrefix(name, "process_instances_"))
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	dropped := 0
	for _, part := range parts {
		var count int
		err := s.sqlDB.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COUNT(*) FROM process_instances_%s`, part)).Scan(&count)
		if err != nil {
			return dropped, fmt.Errorf("count partition %s: %w", part, err)
		}
		if count > 0 {
			continue
		}
		drop := fmt.Sprintf(`DROP TABLE IF EXISTS process_instances_%[1]s;
DROP TABLE IF EXISTS process_step_log_%[1]s;`, part)
		if _, err := s.sqlDB.ExecContext(ctx, drop); err != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", part, err)
		}
		s.mu.Lock()
		delete(s.partitions, part)
		s.mu.Unlock()
		s.logger.Info("Dropped empty storage partition", zap.String("partition", part))
		dropped++
	}
	return dropped, nil
}
