// Package postgres is the durable store.Store backend: Run, Task,
// TaskRuntime, RunEvent, and BackgroundWork rows live in Postgres, with
// optimistic concurrency on Run/TaskRuntime updates enforced by comparing a
// version column in the WHERE clause. Adapted from the reference control
// plane's store/postgres.go (PostgresStore over pgxpool), generalized from
// the Agent/DesiredState/Job domain to Run/Task/TaskRuntime/RunEvent/
// QueuedBackgroundWork.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentsdashboard/orchestrator-core/internal/model"
	"github.com/agentsdashboard/orchestrator-core/internal/store"
)

// Store implements store.Store over a pgxpool connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New dials connString and verifies connectivity with a Ping before
// returning. Pool settings mirror the reference control plane's sizing for
// sustained scheduler-tick and event-append load.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

var _ store.Store = (*Store)(nil)

// --- Run operations ---

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	retryPolicy, err := json.Marshal(run.RetryPolicy)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_retry_policy", "failed to marshal retry policy", err)
	}
	sandbox, err := json.Marshal(run.SandboxProfile)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_sandbox", "failed to marshal sandbox profile", err)
	}
	timeout, err := json.Marshal(run.Timeout)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_timeout", "failed to marshal timeout", err)
	}

	query := `
		INSERT INTO runs (
			run_id, task_id, repository_id, state, attempt, created_at, started_at, ended_at,
			dispatched_to_runtime_id, concurrency_key, execution_token, retry_policy, sandbox_profile,
			timeout, last_heartbeat_at, summary, error, error_code, error_kind, cancel_cause, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, 1
		)
	`
	_, err = s.pool.Exec(ctx, query,
		run.RunID, run.TaskID, run.RepositoryID, int(run.State), run.Attempt, run.CreatedAt,
		run.StartedAt, run.EndedAt, run.DispatchedToRuntimeID, run.ConcurrencyKey, run.ExecutionToken,
		retryPolicy, sandbox, timeout, run.LastHeartbeatAt, run.Summary, run.Error, run.ErrorCode,
		int(run.ErrorKind), run.CancelCause,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.NewError(model.KindPreconditionFailed, "run.already_exists", "run already exists", err)
		}
		return model.NewError(model.KindInternalError, "run.create_failed", "failed to insert run", err)
	}
	run.Version = 1
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *model.Run, expectedVersion int64) error {
	retryPolicy, err := json.Marshal(run.RetryPolicy)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_retry_policy", "failed to marshal retry policy", err)
	}
	sandbox, err := json.Marshal(run.SandboxProfile)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_sandbox", "failed to marshal sandbox profile", err)
	}
	timeout, err := json.Marshal(run.Timeout)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.marshal_timeout", "failed to marshal timeout", err)
	}

	query := `
		UPDATE runs SET
			state = $2, attempt = $3, started_at = $4, ended_at = $5, dispatched_to_runtime_id = $6,
			concurrency_key = $7, execution_token = $8, retry_policy = $9, sandbox_profile = $10,
			timeout = $11, last_heartbeat_at = $12, summary = $13, error = $14, error_code = $15,
			error_kind = $16, cancel_cause = $17, version = version + 1
		WHERE run_id = $1 AND version = $18
	`
	tag, err := s.pool.Exec(ctx, query,
		run.RunID, int(run.State), run.Attempt, run.StartedAt, run.EndedAt, run.DispatchedToRuntimeID,
		run.ConcurrencyKey, run.ExecutionToken, retryPolicy, sandbox, timeout, run.LastHeartbeatAt,
		run.Summary, run.Error, run.ErrorCode, int(run.ErrorKind), run.CancelCause, expectedVersion,
	)
	if err != nil {
		return model.NewError(model.KindInternalError, "run.update_failed", "failed to update run", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, run.RunID); errors.Is(getErr, store.ErrNotFound) {
			return model.NewError(model.KindNotFound, "run.not_found", "run not found", nil)
		}
		return model.NewError(model.KindPreconditionFailed, "run.version_conflict",
			"optimistic lock failure: run version changed", nil)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	query := `
		SELECT run_id, task_id, repository_id, state, attempt, created_at, started_at, ended_at,
			dispatched_to_runtime_id, concurrency_key, execution_token, retry_policy, sandbox_profile,
			timeout, last_heartbeat_at, summary, error, error_code, error_kind, cancel_cause, version
		FROM runs WHERE run_id = $1
	`
	row := s.pool.QueryRow(ctx, query, runID)
	return scanRun(row)
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error) {
	query := `
		SELECT run_id, task_id, repository_id, state, attempt, created_at, started_at, ended_at,
			dispatched_to_runtime_id, concurrency_key, execution_token, retry_policy, sandbox_profile,
			timeout, last_heartbeat_at, summary, error, error_code, error_kind, cancel_cause, version
		FROM runs WHERE ($1 = '' OR task_id = $1) AND ($2 = '' OR repository_id = $2)
		ORDER BY created_at ASC
	`
	args := []interface{}{filter.TaskID, filter.RepositoryID}
	if filter.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "run.list_failed", "failed to list runs", err)
	}
	defer rows.Close()

	out := make([]*model.Run, 0)
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.States) > 0 && !stateAllowed(run.State, filter.States) {
			continue
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func stateAllowed(s model.RunState, allowed []model.RunState) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func (s *Store) countRunningWhere(ctx context.Context, clause string, arg interface{}) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE state = $1 AND ` + clause
	var count int
	err := s.pool.QueryRow(ctx, query, int(model.RunRunning), arg).Scan(&count)
	if err != nil {
		return 0, model.NewError(model.KindInternalError, "run.count_failed", "failed to count running runs", err)
	}
	return count, nil
}

func (s *Store) CountRunningByRepository(ctx context.Context, repositoryID string) (int, error) {
	return s.countRunningWhere(ctx, "repository_id = $2", repositoryID)
}

// CountRunningByProject has no project column in this schema; the core data
// model resolves a repository's owning project externally and the caller
// passes it in as if it were a repository id, same as memory.Store.
func (s *Store) CountRunningByProject(ctx context.Context, projectID string) (int, error) {
	return s.countRunningWhere(ctx, "repository_id = $2", projectID)
}

func (s *Store) CountRunningByTask(ctx context.Context, taskID string) (int, error) {
	return s.countRunningWhere(ctx, "task_id = $2", taskID)
}

func (s *Store) CountRunningByConcurrencyKey(ctx context.Context, concurrencyKey string) (int, error) {
	return s.countRunningWhere(ctx, "concurrency_key = $2", concurrencyKey)
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs WHERE state = $1`, int(model.RunRunning)).Scan(&count)
	if err != nil {
		return 0, model.NewError(model.KindInternalError, "run.count_failed", "failed to count running runs", err)
	}
	return count, nil
}

func (s *Store) ListQueuedRanked(ctx context.Context, limit int) ([]*model.Run, error) {
	query := `
		SELECT run_id, task_id, repository_id, state, attempt, created_at, started_at, ended_at,
			dispatched_to_runtime_id, concurrency_key, execution_token, retry_policy, sandbox_profile,
			timeout, last_heartbeat_at, summary, error, error_code, error_kind, cancel_cause, version
		FROM runs WHERE state = $1 ORDER BY created_at ASC, run_id ASC
	`
	args := []interface{}{int(model.RunQueued)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "run.list_queued_failed", "failed to list queued runs", err)
	}
	defer rows.Close()

	out := make([]*model.Run, 0)
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row pgx.Row) (*model.Run, error) {
	return scanRunInto(row)
}

func scanRunRows(rows pgx.Rows) (*model.Run, error) {
	return scanRunInto(rows)
}

func scanRunInto(row rowScanner) (*model.Run, error) {
	var r model.Run
	var state, errorKind int
	var retryPolicy, sandbox, timeout []byte
	err := row.Scan(
		&r.RunID, &r.TaskID, &r.RepositoryID, &state, &r.Attempt, &r.CreatedAt, &r.StartedAt, &r.EndedAt,
		&r.DispatchedToRuntimeID, &r.ConcurrencyKey, &r.ExecutionToken, &retryPolicy, &sandbox, &timeout,
		&r.LastHeartbeatAt, &r.Summary, &r.Error, &r.ErrorCode, &errorKind, &r.CancelCause, &r.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "run.scan_failed", "failed to scan run row", err)
	}
	r.State = model.RunState(state)
	r.ErrorKind = model.ErrorKind(errorKind)
	if err := json.Unmarshal(retryPolicy, &r.RetryPolicy); err != nil {
		return nil, model.NewError(model.KindInternalError, "run.unmarshal_retry_policy", "failed to unmarshal retry policy", err)
	}
	if err := json.Unmarshal(sandbox, &r.SandboxProfile); err != nil {
		return nil, model.NewError(model.KindInternalError, "run.unmarshal_sandbox", "failed to unmarshal sandbox profile", err)
	}
	if err := json.Unmarshal(timeout, &r.Timeout); err != nil {
		return nil, model.NewError(model.KindInternalError, "run.unmarshal_timeout", "failed to unmarshal timeout", err)
	}
	return &r, nil
}

// --- Task operations ---

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	query := `
		SELECT task_id, repository_id, enabled, harness_name, concurrency_limit, retry_policy,
			sandbox_profile, artifact_policy, approval_profile, cron_expression
		FROM tasks WHERE task_id = $1
	`
	var t model.Task
	var retryPolicy, sandbox, artifact []byte
	var approval *[]byte
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&t.TaskID, &t.RepositoryID, &t.Enabled, &t.HarnessName, &t.ConcurrencyLimit,
		&retryPolicy, &sandbox, &artifact, &approval, &t.CronExpression,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "task.get_failed", "failed to get task", err)
	}
	if err := json.Unmarshal(retryPolicy, &t.RetryPolicy); err != nil {
		return nil, model.NewError(model.KindInternalError, "task.unmarshal_retry_policy", "failed to unmarshal retry policy", err)
	}
	if err := json.Unmarshal(sandbox, &t.SandboxProfile); err != nil {
		return nil, model.NewError(model.KindInternalError, "task.unmarshal_sandbox", "failed to unmarshal sandbox profile", err)
	}
	if err := json.Unmarshal(artifact, &t.ArtifactPolicy); err != nil {
		return nil, model.NewError(model.KindInternalError, "task.unmarshal_artifact_policy", "failed to unmarshal artifact policy", err)
	}
	if approval != nil {
		var ap model.ApprovalProfile
		if err := json.Unmarshal(*approval, &ap); err != nil {
			return nil, model.NewError(model.KindInternalError, "task.unmarshal_approval_profile", "failed to unmarshal approval profile", err)
		}
		t.ApprovalProfile = &ap
	}
	return &t, nil
}

func (s *Store) UpsertTask(ctx context.Context, task *model.Task) error {
	retryPolicy, err := json.Marshal(task.RetryPolicy)
	if err != nil {
		return model.NewError(model.KindInternalError, "task.marshal_retry_policy", "failed to marshal retry policy", err)
	}
	sandbox, err := json.Marshal(task.SandboxProfile)
	if err != nil {
		return model.NewError(model.KindInternalError, "task.marshal_sandbox", "failed to marshal sandbox profile", err)
	}
	artifact, err := json.Marshal(task.ArtifactPolicy)
	if err != nil {
		return model.NewError(model.KindInternalError, "task.marshal_artifact_policy", "failed to marshal artifact policy", err)
	}
	var approval *[]byte
	if task.ApprovalProfile != nil {
		b, err := json.Marshal(task.ApprovalProfile)
		if err != nil {
			return model.NewError(model.KindInternalError, "task.marshal_approval_profile", "failed to marshal approval profile", err)
		}
		approval = &b
	}

	query := `
		INSERT INTO tasks (task_id, repository_id, enabled, harness_name, concurrency_limit,
			retry_policy, sandbox_profile, artifact_policy, approval_profile, cron_expression)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO UPDATE SET
			repository_id = EXCLUDED.repository_id,
			enabled = EXCLUDED.enabled,
			harness_name = EXCLUDED.harness_name,
			concurrency_limit = EXCLUDED.concurrency_limit,
			retry_policy = EXCLUDED.retry_policy,
			sandbox_profile = EXCLUDED.sandbox_profile,
			artifact_policy = EXCLUDED.artifact_policy,
			approval_profile = EXCLUDED.approval_profile,
			cron_expression = EXCLUDED.cron_expression
	`
	_, err = s.pool.Exec(ctx, query,
		task.TaskID, task.RepositoryID, task.Enabled, task.HarnessName, task.ConcurrencyLimit,
		retryPolicy, sandbox, artifact, approval, task.CronExpression,
	)
	if err != nil {
		return model.NewError(model.KindInternalError, "task.upsert_failed", "failed to upsert task", err)
	}
	return nil
}

// --- TaskRuntime operations ---

func (s *Store) UpsertRuntime(ctx context.Context, rt *model.TaskRuntime) error {
	samples, err := json.Marshal(rt.PressureSamples)
	if err != nil {
		return model.NewError(model.KindInternalError, "runtime.marshal_pressure_samples", "failed to marshal pressure samples", err)
	}
	query := `
		INSERT INTO task_runtimes (runtime_id, container_id, endpoint, max_slots, active_slots,
			lifecycle_state, last_heartbeat_at, missed_heartbeats, assigned_repository_ids,
			created_at, pressure_samples, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (runtime_id) DO UPDATE SET
			container_id = EXCLUDED.container_id,
			endpoint = EXCLUDED.endpoint,
			max_slots = EXCLUDED.max_slots,
			active_slots = EXCLUDED.active_slots,
			lifecycle_state = EXCLUDED.lifecycle_state,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			missed_heartbeats = EXCLUDED.missed_heartbeats,
			assigned_repository_ids = EXCLUDED.assigned_repository_ids,
			pressure_samples = EXCLUDED.pressure_samples
	`
	version := rt.Version
	if version == 0 {
		version = 1
	}
	_, err = s.pool.Exec(ctx, query,
		rt.RuntimeID, rt.ContainerID, rt.Endpoint, rt.MaxSlots, rt.ActiveSlots, int(rt.LifecycleState),
		rt.LastHeartbeatAt, rt.MissedHeartbeats, rt.AssignedRepositoryIDs, rt.CreatedAt, samples, version,
	)
	if err != nil {
		return model.NewError(model.KindInternalError, "runtime.upsert_failed", "failed to upsert runtime", err)
	}
	rt.Version = version
	return nil
}

func (s *Store) UpdateRuntime(ctx context.Context, rt *model.TaskRuntime, expectedVersion int64) error {
	samples, err := json.Marshal(rt.PressureSamples)
	if err != nil {
		return model.NewError(model.KindInternalError, "runtime.marshal_pressure_samples", "failed to marshal pressure samples", err)
	}
	query := `
		UPDATE task_runtimes SET
			container_id = $2, endpoint = $3, max_slots = $4, active_slots = $5, lifecycle_state = $6,
			last_heartbeat_at = $7, missed_heartbeats = $8, assigned_repository_ids = $9,
			pressure_samples = $10, version = version + 1
		WHERE runtime_id = $1 AND version = $11
	`
	tag, err := s.pool.Exec(ctx, query,
		rt.RuntimeID, rt.ContainerID, rt.Endpoint, rt.MaxSlots, rt.ActiveSlots, int(rt.LifecycleState),
		rt.LastHeartbeatAt, rt.MissedHeartbeats, rt.AssignedRepositoryIDs, samples, expectedVersion,
	)
	if err != nil {
		return model.NewError(model.KindInternalError, "runtime.update_failed", "failed to update runtime", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRuntime(ctx, rt.RuntimeID); errors.Is(getErr, store.ErrNotFound) {
			return model.NewError(model.KindNotFound, "runtime.not_found", "runtime not found", nil)
		}
		return model.NewError(model.KindPreconditionFailed, "runtime.version_conflict",
			"optimistic lock failure: runtime version changed", nil)
	}
	return nil
}

func (s *Store) GetRuntime(ctx context.Context, runtimeID string) (*model.TaskRuntime, error) {
	query := `
		SELECT runtime_id, container_id, endpoint, max_slots, active_slots, lifecycle_state,
			last_heartbeat_at, missed_heartbeats, assigned_repository_ids, created_at, pressure_samples, version
		FROM task_runtimes WHERE runtime_id = $1
	`
	row := s.pool.QueryRow(ctx, query, runtimeID)
	return scanRuntime(row)
}

func (s *Store) ListRuntimes(ctx context.Context) ([]*model.TaskRuntime, error) {
	query := `
		SELECT runtime_id, container_id, endpoint, max_slots, active_slots, lifecycle_state,
			last_heartbeat_at, missed_heartbeats, assigned_repository_ids, created_at, pressure_samples, version
		FROM task_runtimes ORDER BY runtime_id ASC
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "runtime.list_failed", "failed to list runtimes", err)
	}
	defer rows.Close()

	out := make([]*model.TaskRuntime, 0)
	for rows.Next() {
		rt, err := scanRuntimeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (s *Store) DeleteRuntime(ctx context.Context, runtimeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_runtimes WHERE runtime_id = $1`, runtimeID)
	if err != nil {
		return model.NewError(model.KindInternalError, "runtime.delete_failed", "failed to delete runtime", err)
	}
	return nil
}

func scanRuntime(row pgx.Row) (*model.TaskRuntime, error) {
	return scanRuntimeInto(row)
}

func scanRuntimeRows(rows pgx.Rows) (*model.TaskRuntime, error) {
	return scanRuntimeInto(rows)
}

func scanRuntimeInto(row rowScanner) (*model.TaskRuntime, error) {
	var rt model.TaskRuntime
	var lifecycleState int
	var samples []byte
	err := row.Scan(
		&rt.RuntimeID, &rt.ContainerID, &rt.Endpoint, &rt.MaxSlots, &rt.ActiveSlots, &lifecycleState,
		&rt.LastHeartbeatAt, &rt.MissedHeartbeats, &rt.AssignedRepositoryIDs, &rt.CreatedAt, &samples, &rt.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "runtime.scan_failed", "failed to scan runtime row", err)
	}
	rt.LifecycleState = model.RuntimeState(lifecycleState)
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &rt.PressureSamples); err != nil {
			return nil, model.NewError(model.KindInternalError, "runtime.unmarshal_pressure_samples", "failed to unmarshal pressure samples", err)
		}
	}
	return &rt, nil
}

// --- RunEvent operations ---

func (s *Store) AppendEvent(ctx context.Context, event *model.RunEvent) error {
	var binaryContentType *string
	var binaryData []byte
	if event.BinaryPayload != nil {
		binaryContentType = &event.BinaryPayload.ContentType
		binaryData = event.BinaryPayload.Data
	}
	query := `
		INSERT INTO run_events (run_id, task_id, execution_token, sequence, category, schema_version,
			payload_json, binary_content_type, binary_data, timestamp, command_id, artifact_id,
			chunk_index, is_last_chunk)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING delivery_id
	`
	return s.pool.QueryRow(ctx, query,
		event.RunID, event.TaskID, event.ExecutionToken, event.Sequence, string(event.Category),
		event.SchemaVersion, event.PayloadJSON, binaryContentType, binaryData, event.Timestamp,
		event.CommandID, event.ArtifactID, event.ChunkIndex, event.IsLastChunk,
	).Scan(&event.DeliveryID)
}

func (s *Store) ListEventsAfter(ctx context.Context, afterDeliveryID int64, maxEvents int) ([]*model.RunEvent, error) {
	query := `
		SELECT delivery_id, run_id, task_id, execution_token, sequence, category, schema_version,
			payload_json, binary_content_type, binary_data, timestamp, command_id, artifact_id,
			chunk_index, is_last_chunk
		FROM run_events WHERE delivery_id > $1 ORDER BY delivery_id ASC
	`
	args := []interface{}{afterDeliveryID}
	if maxEvents > 0 {
		query += " LIMIT $2"
		args = append(args, maxEvents)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "event.list_after_failed", "failed to list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListEventsByRun(ctx context.Context, runID string) ([]*model.RunEvent, error) {
	query := `
		SELECT delivery_id, run_id, task_id, execution_token, sequence, category, schema_version,
			payload_json, binary_content_type, binary_data, timestamp, command_id, artifact_id,
			chunk_index, is_last_chunk
		FROM run_events WHERE run_id = $1 ORDER BY sequence ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "event.list_by_run_failed", "failed to list events for run", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*model.RunEvent, error) {
	out := make([]*model.RunEvent, 0)
	for rows.Next() {
		var e model.RunEvent
		var category string
		var binaryContentType *string
		var binaryData []byte
		if err := rows.Scan(
			&e.DeliveryID, &e.RunID, &e.TaskID, &e.ExecutionToken, &e.Sequence, &category, &e.SchemaVersion,
			&e.PayloadJSON, &binaryContentType, &binaryData, &e.Timestamp, &e.CommandID, &e.ArtifactID,
			&e.ChunkIndex, &e.IsLastChunk,
		); err != nil {
			return nil, model.NewError(model.KindInternalError, "event.scan_failed", "failed to scan event row", err)
		}
		e.Category = model.EventCategory(category)
		if binaryContentType != nil {
			e.BinaryPayload = &model.BinaryPayload{ContentType: *binaryContentType, Data: binaryData}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- BackgroundWork operations ---

func (s *Store) UpsertWork(ctx context.Context, snap *model.BackgroundWorkSnapshot) error {
	query := `
		INSERT INTO background_work (work_id, operation_key, kind, state, percent, message,
			started_at, updated_at, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (work_id) DO UPDATE SET
			state = EXCLUDED.state,
			percent = EXCLUDED.percent,
			message = EXCLUDED.message,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			error_code = EXCLUDED.error_code
	`
	_, err := s.pool.Exec(ctx, query,
		snap.WorkID, snap.OperationKey, string(snap.Kind), int(snap.State), snap.Percent, snap.Message,
		snap.StartedAt, snap.UpdatedAt, snap.ErrorCode,
	)
	if err != nil {
		return model.NewError(model.KindInternalError, "work.upsert_failed", "failed to upsert background work", err)
	}
	return nil
}

func (s *Store) GetWork(ctx context.Context, workID string) (*model.BackgroundWorkSnapshot, error) {
	query := `
		SELECT work_id, operation_key, kind, state, percent, message, started_at, updated_at, error_code
		FROM background_work WHERE work_id = $1
	`
	return scanWork(s.pool.QueryRow(ctx, query, workID))
}

func (s *Store) FindActiveWorkByOperationKey(ctx context.Context, operationKey string) (*model.BackgroundWorkSnapshot, error) {
	query := `
		SELECT work_id, operation_key, kind, state, percent, message, started_at, updated_at, error_code
		FROM background_work WHERE operation_key = $1 AND state IN ($2, $3)
		ORDER BY updated_at DESC LIMIT 1
	`
	return scanWork(s.pool.QueryRow(ctx, query, operationKey, int(model.WorkPending), int(model.WorkRunning)))
}

func scanWork(row pgx.Row) (*model.BackgroundWorkSnapshot, error) {
	var w model.BackgroundWorkSnapshot
	var kind string
	var state int
	err := row.Scan(&w.WorkID, &w.OperationKey, &kind, &state, &w.Percent, &w.Message, &w.StartedAt, &w.UpdatedAt, &w.ErrorCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, model.NewError(model.KindInternalError, "work.scan_failed", "failed to scan background work row", err)
	}
	w.Kind = model.BackgroundWorkKind(kind)
	w.State = model.BackgroundWorkState(state)
	return &w, nil
}

// --- Coordination operations ---

func (s *Store) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch); err != nil {
		return 0, model.NewError(model.KindInternalError, "epoch.increment_failed", "failed to increment durable epoch", err)
	}
	return epoch, nil
}

func (s *Store) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, model.NewError(model.KindInternalError, "epoch.get_failed", "failed to get durable epoch", err)
	}
	return epoch, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), without importing pgconn just for the error code check.
func isUniqueViolation(err error) bool {
	return err != nil && pgErrCode(err) == "23505"
}

type pgError interface {
	SQLState() string
}

func pgErrCode(err error) string {
	var pe pgError
	if errors.As(err, &pe) {
		return pe.SQLState()
	}
	return ""
}
