package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"process-engine/internal/models"
)

// PostgresStore wraps pgxpool for durable job/task persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", errors.Join(ErrStorageUnavailable, err))
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts the job row and all task rows in one transaction.
func (s *PostgresStore) CreateJob(ctx context.Context, job models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", errors.Join(ErrStorageUnavailable, err))
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO process_engine_jobs
			(identifier, actor_user_id_or_org_number, actor_language,
			 instance_org, instance_app, instance_owner_party_id, instance_guid,
			 status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.Key, job.Actor.UserIDOrOrgNumber, job.Actor.Language,
		job.Instance.Org, job.Instance.App, job.Instance.InstanceOwnerPartyID,
		job.Instance.InstanceGUID, job.Status, job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("job %q: %w", job.Key, ErrDuplicateKey)
		}
		return fmt.Errorf("insert job: %w", errors.Join(ErrStorageUnavailable, err))
	}

	for _, task := range job.Tasks {
		commandJSON, err := json.Marshal(task.Command)
		if err != nil {
			return fmt.Errorf("marshal command for task %q: %w", task.Key, err)
		}
		retryJSON, err := json.Marshal(task.Retry)
		if err != nil {
			return fmt.Errorf("marshal retry strategy for task %q: %w", task.Key, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO process_engine_tasks
				(identifier, job_identifier, processing_order, command_data, retry_strategy,
				 actor_user_id_or_org_number, actor_language, status, requeue_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, task.Key, job.Key, task.ProcessingOrder, commandJSON, retryJSON,
			task.Actor.UserIDOrOrgNumber, task.Actor.Language, task.Status,
			task.RequeueCount, task.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("task %q: %w", task.Key, ErrDuplicateKey)
			}
			return fmt.Errorf("insert task: %w", errors.Join(ErrStorageUnavailable, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", errors.Join(ErrStorageUnavailable, err))
	}
	return nil
}

// GetJob fetches a job and its tasks in processing order.
func (s *PostgresStore) GetJob(ctx context.Context, key string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT identifier, actor_user_id_or_org_number, actor_language,
		       instance_org, instance_app, instance_owner_party_id, instance_guid,
		       status, created_at, updated_at
		FROM process_engine_jobs WHERE identifier = $1
	`, key)

	var job models.Job
	var updated pgtype.Timestamptz
	err := row.Scan(&job.Key, &job.Actor.UserIDOrOrgNumber, &job.Actor.Language,
		&job.Instance.Org, &job.Instance.App, &job.Instance.InstanceOwnerPartyID,
		&job.Instance.InstanceGUID, &job.Status, &job.CreatedAt, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", errors.Join(ErrStorageUnavailable, err))
	}
	job.UpdatedAt = tsPtr(updated)

	rows, err := s.pool.Query(ctx, taskColumns+`
		FROM process_engine_tasks WHERE job_identifier = $1 ORDER BY processing_order
	`, key)
	if err != nil {
		return models.Job{}, fmt.Errorf("query tasks: %w", errors.Join(ErrStorageUnavailable, err))
	}
	defer rows.Close()
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return models.Job{}, err
		}
		job.Tasks = append(job.Tasks, task)
	}
	if err := rows.Err(); err != nil {
		return models.Job{}, fmt.Errorf("iterate tasks: %w", errors.Join(ErrStorageUnavailable, err))
	}
	return job, nil
}

// GetTask fetches a single task by key.
func (s *PostgresStore) GetTask(ctx context.Context, key string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, taskColumns+`
		FROM process_engine_tasks WHERE identifier = $1
	`, key)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %q: %w", key, ErrNotFound)
	}
	return task, err
}

// GetReadyTasks returns at most one eligible task per job: the lowest
// processing order still unsucceeded, with status pending or requeued and
// with any backoff elapsed, for jobs that are not terminal.
func (s *PostgresStore) GetReadyTasks(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, taskColumns+`
		FROM process_engine_tasks t
		JOIN process_engine_jobs j ON j.identifier = t.job_identifier
		WHERE j.status IN ($1, $2)
		  AND t.status IN ($1, $3)
		  AND (t.backoff_until IS NULL OR t.backoff_until <= NOW())
		  AND NOT EXISTS (
			SELECT 1 FROM process_engine_tasks s
			WHERE s.job_identifier = t.job_identifier
			  AND s.processing_order < t.processing_order
			  AND s.status <> $4
		  )
		ORDER BY t.job_identifier, t.processing_order
		LIMIT $5
	`, models.StatusPending, models.StatusRunning, models.StatusRequeued,
		models.StatusSucceeded, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", errors.Join(ErrStorageUnavailable, err))
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ready tasks: %w", errors.Join(ErrStorageUnavailable, err))
	}
	return tasks, nil
}

// UpdateTaskStatus applies a compare-and-swap status update. The WHERE
// clause linearizes concurrent writers; losers get ErrConflict or
// ErrTerminalState depending on what the row holds now.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, update TaskStatusUpdate) (models.Task, error) {
	expected := update.ExpectedStatus
	if len(expected) == 0 {
		expected = []string{models.StatusPending, models.StatusRunning, models.StatusRequeued}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE process_engine_tasks
		SET status = $2,
		    start_time = COALESCE(start_time, $3),
		    backoff_until = $4,
		    requeue_count = COALESCE($5, requeue_count),
		    updated_at = NOW()
		WHERE identifier = $1 AND status = ANY($6)
		RETURNING identifier, job_identifier, processing_order, command_data, retry_strategy,
		          actor_user_id_or_org_number, actor_language, status, start_time,
		          backoff_until, requeue_count, created_at, updated_at
	`, update.Key, update.Status, update.StartTime, update.BackoffUntil,
		update.RequeueCount, expected)

	task, err := scanTask(row)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, err
	}

	current, getErr := s.GetTask(ctx, update.Key)
	if getErr != nil {
		return models.Task{}, getErr
	}
	if models.TerminalStatus(current.Status) {
		return current, fmt.Errorf("task %q: %w", update.Key, ErrTerminalState)
	}
	return current, fmt.Errorf("task %q: %w", update.Key, ErrConflict)
}

// UpdateJobStatus transitions a job unless it is already terminal.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, key, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE process_engine_jobs
		SET status = $2, updated_at = NOW()
		WHERE identifier = $1 AND status NOT IN ($3, $4)
	`, key, status, models.StatusSucceeded, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("update job status: %w", errors.Join(ErrStorageUnavailable, err))
	}
	if tag.RowsAffected() == 0 {
		job, getErr := s.GetJob(ctx, key)
		if getErr != nil {
			return getErr
		}
		if models.TerminalStatus(job.Status) {
			return fmt.Errorf("job %q: %w", key, ErrTerminalState)
		}
	}
	return nil
}

const taskColumns = `
		SELECT identifier, job_identifier, processing_order, command_data, retry_strategy,
		       actor_user_id_or_org_number, actor_language, status, start_time,
		       backoff_until, requeue_count, created_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var task models.Task
	var commandJSON, retryJSON []byte
	var startTime, backoffUntil, updated pgtype.Timestamptz

	err := row.Scan(&task.Key, &task.JobKey, &task.ProcessingOrder, &commandJSON, &retryJSON,
		&task.Actor.UserIDOrOrgNumber, &task.Actor.Language, &task.Status, &startTime,
		&backoffUntil, &task.RequeueCount, &task.CreatedAt, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, err
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", errors.Join(ErrStorageUnavailable, err))
	}

	if err := json.Unmarshal(commandJSON, &task.Command); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal command: %w", err)
	}
	if err := json.Unmarshal(retryJSON, &task.Retry); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal retry strategy: %w", err)
	}
	task.StartTime = tsPtr(startTime)
	task.BackoffUntil = tsPtr(backoffUntil)
	task.UpdatedAt = tsPtr(updated)
	return task, nil
}

func tsPtr(ts pgtype.Timestamptz) *time.Time {
	if ts.Valid {
		t := ts.Time
		return &t
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
