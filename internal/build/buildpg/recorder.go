package buildpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/deployer/internal/artifact"
	"github.com/k11v/deployer/internal/build"
)

var _ build.Recorder = (*Recorder)(nil)

var ErrNotFound = errors.New("not found")

const activeJobConstraint = "jobs_project_id_active_key"

// DefaultStaleAfter is how long an active job may go without an update
// before CreateJob considers its worker gone.
const DefaultStaleAfter = time.Hour

// ErrStaleJob is stored as the error of an active job that was abandoned.
var ErrStaleJob = errors.New("abandoned without reaching a terminal state")

// Recorder stores jobs and their artifacts in PostgreSQL.
type Recorder struct {
	DB         *pgxpool.Pool
	StaleAfter time.Duration // default: DefaultStaleAfter
}

func NewRecorder(db *pgxpool.Pool) *Recorder {
	return &Recorder{DB: db}
}

func (r *Recorder) staleAfter() time.Duration {
	d := r.StaleAfter
	if d <= 0 {
		d = DefaultStaleAfter
	}
	return d
}

// CreateJob inserts job. Active jobs of the same project that weren't updated
// for StaleAfter are marked as failed first. It returns build.ErrAlreadyActive
// when the project still has a job that isn't completed or failed.
func (r *Recorder) CreateJob(ctx context.Context, job *build.Job) error {
	err := pgx.BeginFunc(ctx, r.DB, func(tx pgx.Tx) error {
		if err := failStaleJobs(ctx, tx, job.ProjectID, job.CreatedAt.Add(-r.staleAfter()), job.CreatedAt); err != nil {
			return err
		}
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == activeJobConstraint {
			err = build.ErrAlreadyActive
		}
		return fmt.Errorf("buildpg.Recorder: %w", err)
	}

	return nil
}

func failStaleJobs(ctx context.Context, tx pgx.Tx, projectID string, updatedBefore, now time.Time) error {
	query := `
		UPDATE jobs
		SET state = $2, error = $3, updated_at = $4
		WHERE project_id = $1 AND state NOT IN ('completed', 'failed') AND updated_at < $5
	`
	args := []any{projectID, string(build.StateFailed), ErrStaleJob.Error(), now, updatedBefore}

	_, err := tx.Exec(ctx, query, args...)
	return err
}

func insertJob(ctx context.Context, tx pgx.Tx, job *build.Job) error {
	query := `
		INSERT INTO jobs (id, project_id, source_dir, output_dir, state, exit_code, uploaded, failed, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	args := []any{
		job.ID,
		job.ProjectID,
		job.SourceDir,
		job.OutputDir,
		string(job.State),
		job.ExitCode,
		job.Uploaded,
		job.Failed,
		errorText(job.Err),
		job.CreatedAt,
		job.UpdatedAt,
	}

	_, err := tx.Exec(ctx, query, args...)
	return err
}

// UpdateJob stores the mutable fields of job.
func (r *Recorder) UpdateJob(ctx context.Context, job *build.Job) error {
	query := `
		UPDATE jobs
		SET state = $2, exit_code = $3, uploaded = $4, failed = $5, error = $6, updated_at = $7
		WHERE id = $1
		RETURNING id
	`
	args := []any{
		job.ID,
		string(job.State),
		job.ExitCode,
		job.Uploaded,
		job.Failed,
		errorText(job.Err),
		job.UpdatedAt,
	}

	rows, _ := r.DB.Query(ctx, query, args...)
	if _, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID]); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotFound
		}
		return fmt.Errorf("buildpg.Recorder: %w", err)
	}

	return nil
}

// SaveArtifacts stores the settled artifacts of a job.
func (r *Recorder) SaveArtifacts(ctx context.Context, jobID uuid.UUID, artifacts []*artifact.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	_, err := r.DB.CopyFrom(
		ctx,
		pgx.Identifier{"artifacts"},
		[]string{"job_id", "key", "content_type", "outcome", "error"},
		pgx.CopyFromSlice(len(artifacts), func(i int) ([]any, error) {
			a := artifacts[i]
			return []any{jobID, a.Key, a.ContentType, string(a.Outcome), errorText(a.Err)}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("buildpg.Recorder: %w", err)
	}

	return nil
}

// GetJob returns the job with id.
func (r *Recorder) GetJob(ctx context.Context, id uuid.UUID) (*build.Job, error) {
	query := `
		SELECT id, project_id, source_dir, output_dir, state, exit_code, uploaded, failed, error, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`
	args := []any{id}

	rows, _ := r.DB.Query(ctx, query, args...)
	job, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotFound
		}
		return nil, fmt.Errorf("buildpg.Recorder: %w", err)
	}

	return job, nil
}

// ListArtifacts returns the artifacts of a job ordered by key.
func (r *Recorder) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*artifact.Artifact, error) {
	query := `
		SELECT key, content_type, outcome, error
		FROM artifacts
		WHERE job_id = $1
		ORDER BY key
	`
	args := []any{jobID}

	rows, _ := r.DB.Query(ctx, query, args...)
	artifacts, err := pgx.CollectRows(rows, rowToArtifact)
	if err != nil {
		return nil, fmt.Errorf("buildpg.Recorder: %w", err)
	}

	return artifacts, nil
}

func rowToJob(collectableRow pgx.CollectableRow) (*build.Job, error) {
	type row struct {
		ID        uuid.UUID `db:"id"`
		ProjectID string    `db:"project_id"`
		SourceDir string    `db:"source_dir"`
		OutputDir string    `db:"output_dir"`
		State     string    `db:"state"`
		ExitCode  int       `db:"exit_code"`
		Uploaded  int       `db:"uploaded"`
		Failed    int       `db:"failed"`
		Error     *string   `db:"error"`
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, err
	}

	state, known := build.ParseState(collectedRow.State)
	if !known {
		return nil, fmt.Errorf("unknown state %s", collectedRow.State)
	}

	job := &build.Job{
		ID:        collectedRow.ID,
		ProjectID: collectedRow.ProjectID,
		SourceDir: collectedRow.SourceDir,
		OutputDir: collectedRow.OutputDir,
		State:     state,
		ExitCode:  collectedRow.ExitCode,
		Uploaded:  collectedRow.Uploaded,
		Failed:    collectedRow.Failed,
		CreatedAt: collectedRow.CreatedAt,
		UpdatedAt: collectedRow.UpdatedAt,
	}
	if collectedRow.Error != nil {
		job.Err = errors.New(*collectedRow.Error)
	}
	return job, nil
}

func rowToArtifact(collectableRow pgx.CollectableRow) (*artifact.Artifact, error) {
	type row struct {
		Key         string  `db:"key"`
		ContentType string  `db:"content_type"`
		Outcome     string  `db:"outcome"`
		Error       *string `db:"error"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, err
	}

	outcome, known := artifact.OutcomeFromString(collectedRow.Outcome)
	if !known {
		return nil, fmt.Errorf("unknown outcome %s", collectedRow.Outcome)
	}

	a := &artifact.Artifact{
		Key:         collectedRow.Key,
		ContentType: collectedRow.ContentType,
		Outcome:     outcome,
	}
	if collectedRow.Error != nil {
		a.Err = errors.New(*collectedRow.Error)
	}
	return a, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
