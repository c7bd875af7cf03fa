package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

// Submission represents a submission row
type Submission struct {
	ID            string
	ServerID      *string
	Kind          string
	ClientID      string
	Status        string
	QueryText     *string
	QueryParams   map[string]interface{}
	FileName      *string
	FileSize      *int64
	ContentType   *string
	StagingKey    *string
	Progress      float64
	CurrentStep   *string
	RetryCount    int
	LastError     map[string]interface{}
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	UpdatedAt     time.Time
}

type CreateSubmissionParams struct {
	ID          string
	Kind        string
	ClientID    string
	Status      string
	QueryText   *string
	QueryParams map[string]interface{}
	FileName    *string
	FileSize    *int64
	ContentType *string
	StagingKey  *string
}

const submissionColumns = `id, server_id, kind, client_id, status, query_text, query_params,
	file_name, file_size, content_type, staging_key, progress, current_step,
	retry_count, last_error, created_at, last_attempt_at, updated_at`

func scanSubmission(row pgx.Row) (Submission, error) {
	var s Submission
	err := row.Scan(
		&s.ID, &s.ServerID, &s.Kind, &s.ClientID, &s.Status, &s.QueryText, &s.QueryParams,
		&s.FileName, &s.FileSize, &s.ContentType, &s.StagingKey, &s.Progress, &s.CurrentStep,
		&s.RetryCount, &s.LastError, &s.CreatedAt, &s.LastAttemptAt, &s.UpdatedAt,
	)
	return s, err
}

func (q *Queries) CreateSubmission(ctx context.Context, p CreateSubmissionParams) (Submission, error) {
	return scanSubmission(q.Pool.QueryRow(ctx,
		`INSERT INTO submissions (
			id, kind, client_id, status, query_text, query_params,
			file_name, file_size, content_type, staging_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+submissionColumns,
		p.ID, p.Kind, p.ClientID, p.Status, p.QueryText, p.QueryParams,
		p.FileName, p.FileSize, p.ContentType, p.StagingKey,
	))
}

func (q *Queries) GetSubmissionByID(ctx context.Context, id string) (Submission, error) {
	return scanSubmission(q.Pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

type UpdateSubmissionParams struct {
	ID          string
	Status      string
	ServerID    *string
	Progress    *float64
	CurrentStep *string
	RetryCount  *int
	LastError   map[string]interface{}
	Attempted   bool
}

// UpdateSubmission applies a state transition. Only non-nil fields change;
// server_id is written at most once (COALESCE keeps the first value).
func (q *Queries) UpdateSubmission(ctx context.Context, p UpdateSubmissionParams) (Submission, error) {
	var attemptedAt *time.Time
	if p.Attempted {
		now := time.Now()
		attemptedAt = &now
	}
	return scanSubmission(q.Pool.QueryRow(ctx,
		`UPDATE submissions SET
			status = $2,
			server_id = COALESCE(server_id, $3),
			progress = COALESCE($4, progress),
			current_step = COALESCE($5, current_step),
			retry_count = COALESCE($6, retry_count),
			last_error = COALESCE($7, last_error),
			last_attempt_at = COALESCE($8, last_attempt_at),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+submissionColumns,
		p.ID, p.Status, p.ServerID, p.Progress, p.CurrentStep, p.RetryCount, p.LastError, attemptedAt,
	))
}

func (q *Queries) ListSubmissions(ctx context.Context, clientID string, status *string, limit, offset int) ([]Submission, error) {
	var rows pgx.Rows
	var err error

	if status != nil {
		rows, err = q.Pool.Query(ctx,
			`SELECT `+submissionColumns+` FROM submissions
			WHERE client_id = $1 AND status = $2
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4`,
			clientID, *status, limit, offset,
		)
	} else {
		rows, err = q.Pool.Query(ctx,
			`SELECT `+submissionColumns+` FROM submissions
			WHERE client_id = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3`,
			clientID, limit, offset,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListActiveSubmissions returns non-terminal submissions, oldest first.
// Used on startup to resume tracking.
func (q *Queries) ListActiveSubmissions(ctx context.Context) ([]Submission, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		WHERE status IN ('QUEUED', 'SUBMITTING', 'IN_PROGRESS')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (q *Queries) PruneTerminalSubmissions(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.Pool.Exec(ctx,
		`DELETE FROM submissions
		WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Sync queue queries

type SyncEntry struct {
	ID            string
	SubmissionID  string
	Attempts      int
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
	LastError     map[string]interface{}
	ExpiredAt     *time.Time
}

const syncEntryColumns = `id, submission_id, attempts, next_attempt_at, enqueued_at, last_error, expired_at`

func scanSyncEntry(row pgx.Row) (SyncEntry, error) {
	var e SyncEntry
	err := row.Scan(&e.ID, &e.SubmissionID, &e.Attempts, &e.NextAttemptAt, &e.EnqueuedAt, &e.LastError, &e.ExpiredAt)
	return e, err
}

func (q *Queries) CreateSyncEntry(ctx context.Context, id, submissionID string, nextAttemptAt time.Time, lastError map[string]interface{}) (SyncEntry, error) {
	return scanSyncEntry(q.Pool.QueryRow(ctx,
		`INSERT INTO sync_queue (id, submission_id, attempts, next_attempt_at, last_error)
		VALUES ($1, $2, 1, $3, $4)
		RETURNING `+syncEntryColumns,
		id, submissionID, nextAttemptAt, lastError,
	))
}

// ListDueSyncEntries returns unexpired entries due at or before now, FIFO by
// enqueue time.
func (q *Queries) ListDueSyncEntries(ctx context.Context, now time.Time, limit int) ([]SyncEntry, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+syncEntryColumns+` FROM sync_queue
		WHERE expired_at IS NULL AND next_attempt_at <= $1
		ORDER BY enqueued_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		e, err := scanSyncEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *Queries) ListSyncEntries(ctx context.Context) ([]SyncEntry, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+syncEntryColumns+` FROM sync_queue
		WHERE expired_at IS NULL
		ORDER BY enqueued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		e, err := scanSyncEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q *Queries) RescheduleSyncEntry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError map[string]interface{}) error {
	_, err := q.Pool.Exec(ctx,
		`UPDATE sync_queue SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`,
		id, attempts, nextAttemptAt, lastError,
	)
	return err
}

func (q *Queries) DeleteSyncEntry(ctx context.Context, id string) error {
	_, err := q.Pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	return err
}

// ExpireSyncEntry marks an entry permanently failed. Returns pgx.ErrNoRows
// if the entry was already expired or removed.
func (q *Queries) ExpireSyncEntry(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE sync_queue SET expired_at = NOW() WHERE id = $1 AND expired_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (q *Queries) PruneExpiredSyncEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.Pool.Exec(ctx,
		`DELETE FROM sync_queue WHERE expired_at IS NOT NULL AND expired_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Notification queries

type NotificationRow struct {
	ID          string
	ClientID    string
	Severity    string
	Title       string
	Message     string
	Details     *string
	Persistent  bool
	CreatedAt   time.Time
	DismissedAt *time.Time
}

const notificationColumns = `id, client_id, severity, title, message, details, persistent, created_at, dismissed_at`

func (q *Queries) CreateNotification(ctx context.Context, n NotificationRow) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO notifications (id, client_id, severity, title, message, details, persistent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.ClientID, n.Severity, n.Title, n.Message, n.Details, n.Persistent,
	)
	return err
}

func (q *Queries) ListNotifications(ctx context.Context, clientID string, limit int) ([]NotificationRow, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		WHERE client_id = $1 AND dismissed_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2`,
		clientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []NotificationRow
	for rows.Next() {
		var n NotificationRow
		if err := rows.Scan(&n.ID, &n.ClientID, &n.Severity, &n.Title, &n.Message, &n.Details, &n.Persistent, &n.CreatedAt, &n.DismissedAt); err != nil {
			return nil, err
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

func (q *Queries) DismissNotification(ctx context.Context, id string) error {
	tag, err := q.Pool.Exec(ctx,
		`UPDATE notifications SET dismissed_at = NOW() WHERE id = $1 AND dismissed_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (q *Queries) PruneDismissedNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.Pool.Exec(ctx,
		`DELETE FROM notifications WHERE dismissed_at IS NOT NULL AND dismissed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
