package model

import "time"

// Status represents submission status
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitting Status = "SUBMITTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further automatic transitions occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubmissionKind distinguishes file uploads from query submissions
type SubmissionKind string

const (
	KindFile  SubmissionKind = "file"
	KindQuery SubmissionKind = "query"
)

// Submission represents a tracked file-upload or query-submission attempt.
// ID is client-generated; ServerID is assigned on upstream acceptance and
// immutable afterwards.
type Submission struct {
	ID             string                 `json:"id"`
	ServerID       *string                `json:"serverId,omitempty"`
	Kind           SubmissionKind         `json:"kind"`
	ClientID       string                 `json:"clientId"`
	Status         Status                 `json:"status"`
	QueryText      string                 `json:"queryText,omitempty"`
	QueryParams    map[string]interface{} `json:"queryParams,omitempty"`
	FileName       string                 `json:"fileName,omitempty"`
	FileSize       int64                  `json:"fileSize,omitempty"`
	ContentType    string                 `json:"contentType,omitempty"`
	StagingKey     string                 `json:"stagingKey,omitempty"`
	Progress       float64                `json:"progress"`
	CurrentStep    string                 `json:"currentStep,omitempty"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
	RetryCount     int                    `json:"retryCount"`
	LastError      *AppError              `json:"lastError,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	LastAttemptAt  *time.Time             `json:"lastAttemptAt,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// ErrorKind classifies a normalized error
type ErrorKind string

const (
	ErrNetwork    ErrorKind = "network"
	ErrValidation ErrorKind = "validation"
	ErrServer     ErrorKind = "server"
	ErrAuth       ErrorKind = "auth"
	ErrTimeout    ErrorKind = "timeout"
	ErrUnknown    ErrorKind = "unknown"
)

// AppError is the uniform error record every failure is reduced to.
// Never mutated after creation.
type AppError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Status    int       `json:"status,omitempty"`
	Details   string    `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AppError) Error() string {
	return e.Message
}

// Severity represents notification severity
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Notification is a transient user-facing message owned by the dispatcher.
type Notification struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"clientId"`
	Severity   Severity      `json:"severity"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	Details    string        `json:"details,omitempty"`
	Persistent bool          `json:"persistent"`
	AutoHide   time.Duration `json:"-"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// SyncQueueEntry wraps a submission awaiting network availability.
type SyncQueueEntry struct {
	ID            string     `json:"id"`
	SubmissionID  string     `json:"submissionId"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	LastError     *AppError  `json:"lastError,omitempty"`
	ExpiredAt     *time.Time `json:"expiredAt,omitempty"`
}

// Quality is a coarse classification of connection quality
type Quality string

const (
	QualityOffline Quality = "offline"
	QualitySlow    Quality = "slow"
	QualityMedium  Quality = "medium"
	QualityFast    Quality = "fast"
	QualityUnknown Quality = "unknown"
)

// ConnectivityState is the process-wide view of upstream reachability.
type ConnectivityState struct {
	Online    bool          `json:"online"`
	Quality   Quality       `json:"quality"`
	RTT       time.Duration `json:"rttMs"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// QueryProgress is a push-channel message for an in-flight query.
type QueryProgress struct {
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	CurrentStep        string  `json:"current_step"`
	TotalSteps         int     `json:"total_steps"`
	Message            string  `json:"message"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}
