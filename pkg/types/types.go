package types

import (
	"encoding/json"
	"time"
)

// Store represents a tenant of the platform. Every store owns exactly one
// tenant database while active; the master registry is the single source
// of truth for store identity and lifecycle.
type Store struct {
	ID        string      `db:"id" json:"id"`
	Slug      string      `db:"slug" json:"slug"`
	Name      string      `db:"name" json:"name"`
	UserID    string      `db:"user_id" json:"user_id"`
	Status    StoreStatus `db:"status" json:"status"`
	IsActive  bool        `db:"is_active" json:"is_active"`
	Published bool        `db:"published" json:"published"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// StoreStatus represents the lifecycle state of a store
type StoreStatus string

const (
	StoreStatusPendingDatabase StoreStatus = "pending_database"
	StoreStatusProvisioning    StoreStatus = "provisioning"
	StoreStatusActive          StoreStatus = "active"
	StoreStatusDemo            StoreStatus = "demo"
	StoreStatusSuspended       StoreStatus = "suspended"
	StoreStatusInactive        StoreStatus = "inactive"
)

// DatabaseType identifies the engine backing a tenant database
type DatabaseType string

const (
	DatabaseTypeSupabase   DatabaseType = "supabase"
	DatabaseTypePostgreSQL DatabaseType = "postgresql"
	DatabaseTypeMySQL      DatabaseType = "mysql"
)

// ConnectionStatus records the outcome of the last connection test
type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "pending"
	ConnectionStatusConnected ConnectionStatus = "connected"
	ConnectionStatusFailed    ConnectionStatus = "failed"
	ConnectionStatusTimeout   ConnectionStatus = "timeout"
)

// StoreDatabase holds the (encrypted) connection details for a tenant
// database. The connection string never leaves the registry decrypted
// except through GetPrimaryDatabase.
type StoreDatabase struct {
	ID                 string           `db:"id" json:"id"`
	StoreID            string           `db:"store_id" json:"store_id"`
	DatabaseType       DatabaseType     `db:"database_type" json:"database_type"`
	ConnectionString   string           `db:"connection_string_encrypted" json:"-"`
	Host               string           `db:"host" json:"host"`
	Port               int              `db:"port" json:"port"`
	DatabaseName       string           `db:"database_name" json:"database_name"`
	ConnectionStatus   ConnectionStatus `db:"connection_status" json:"connection_status"`
	LastConnectionTest *time.Time       `db:"last_connection_test" json:"last_connection_test,omitempty"`
	IsPrimary          bool             `db:"is_primary" json:"is_primary"`
	IsActive           bool             `db:"is_active" json:"is_active"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
}

// StoreHostname binds a hostname to a store. Hostnames are globally
// unique and matched case-insensitively; at most one primary per store.
type StoreHostname struct {
	ID             string    `db:"id" json:"id"`
	StoreID        string    `db:"store_id" json:"store_id"`
	Hostname       string    `db:"hostname" json:"hostname"`
	Slug           string    `db:"slug" json:"slug"`
	IsPrimary      bool      `db:"is_primary" json:"is_primary"`
	IsCustomDomain bool      `db:"is_custom_domain" json:"is_custom_domain"`
	SSLEnabled     bool      `db:"ssl_enabled" json:"ssl_enabled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// TokenStatus represents the state of an integration token
type TokenStatus string

const (
	TokenStatusActive        TokenStatus = "active"
	TokenStatusExpiring      TokenStatus = "expiring"
	TokenStatusExpired       TokenStatus = "expired"
	TokenStatusRevoked       TokenStatus = "revoked"
	TokenStatusRefreshFailed TokenStatus = "refresh_failed"
)

// IntegrationToken tracks the expiry of one third-party OAuth token.
// Keyed by (store_id, integration_type, config_key).
type IntegrationToken struct {
	ID                    string      `db:"id" json:"id"`
	StoreID               string      `db:"store_id" json:"store_id"`
	IntegrationType       string      `db:"integration_type" json:"integration_type"`
	ConfigKey             string      `db:"config_key" json:"config_key"`
	TokenExpiresAt        time.Time   `db:"token_expires_at" json:"token_expires_at"`
	RefreshTokenExpiresAt *time.Time  `db:"refresh_token_expires_at" json:"refresh_token_expires_at,omitempty"`
	LastRefreshAt         *time.Time  `db:"last_refresh_at" json:"last_refresh_at,omitempty"`
	LastRefreshError      string      `db:"last_refresh_error" json:"last_refresh_error,omitempty"`
	Status                TokenStatus `db:"status" json:"status"`
	ConsecutiveFailures   int         `db:"consecutive_failures" json:"consecutive_failures"`
	MaxFailures           int         `db:"max_failures" json:"max_failures"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updated_at"`
}

// JobPriority orders jobs within the queue; higher values lease first
type JobPriority int

const (
	JobPriorityLow    JobPriority = 0
	JobPriorityNormal JobPriority = 1
	JobPriorityHigh   JobPriority = 2
	JobPriorityUrgent JobPriority = 3
)

// String returns the symbolic name of the priority
func (p JobPriority) String() string {
	switch p {
	case JobPriorityLow:
		return "low"
	case JobPriorityHigh:
		return "high"
	case JobPriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParseJobPriority maps a symbolic name to a priority, defaulting to normal
func ParseJobPriority(s string) JobPriority {
	switch s {
	case "low":
		return JobPriorityLow
	case "high":
		return JobPriorityHigh
	case "urgent":
		return JobPriorityUrgent
	default:
		return JobPriorityNormal
	}
}

// JobStatus represents the state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCancelling JobStatus = "cancelling"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is one unit of background work in the durable queue
type Job struct {
	ID              string            `db:"id" json:"id"`
	Type            string            `db:"type" json:"type"`
	Priority        JobPriority       `db:"priority" json:"priority"`
	Status          JobStatus         `db:"status" json:"status"`
	Payload         json.RawMessage   `db:"payload" json:"payload,omitempty"`
	Result          json.RawMessage   `db:"result" json:"result,omitempty"`
	ScheduledAt     time.Time         `db:"scheduled_at" json:"scheduled_at"`
	StartedAt       *time.Time        `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt        *time.Time        `db:"failed_at" json:"failed_at,omitempty"`
	CancelledAt     *time.Time        `db:"cancelled_at" json:"cancelled_at,omitempty"`
	RetryCount      int               `db:"retry_count" json:"retry_count"`
	MaxRetries      int               `db:"max_retries" json:"max_retries"`
	LastError       string            `db:"last_error" json:"last_error,omitempty"`
	Progress        float64           `db:"progress" json:"progress"`
	ProgressMessage string            `db:"progress_message" json:"progress_message,omitempty"`
	Metadata        map[string]string `db:"-" json:"metadata,omitempty"`
	DedupeKey       string            `db:"dedupe_key" json:"dedupe_key,omitempty"`
	StoreID         string            `db:"store_id" json:"store_id,omitempty"`
	UserID          string            `db:"user_id" json:"user_id,omitempty"`
	WorkerID        string            `db:"worker_id" json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time        `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// JobHistory is one append-only record of a job state transition
type JobHistory struct {
	ID         int64           `db:"id" json:"id"`
	JobID      string          `db:"job_id" json:"job_id"`
	Status     JobStatus       `db:"status" json:"status"`
	Message    string          `db:"message" json:"message,omitempty"`
	Progress   float64         `db:"progress" json:"progress"`
	Result     json.RawMessage `db:"result" json:"result,omitempty"`
	Error      string          `db:"error" json:"error,omitempty"`
	ExecutedAt time.Time       `db:"executed_at" json:"executed_at"`
	DurationMS int64           `db:"duration_ms" json:"duration_ms"`
}

// CronSource identifies who installed a cron entry
type CronSource string

const (
	CronSourceUser        CronSource = "user"
	CronSourcePlugin      CronSource = "plugin"
	CronSourceIntegration CronSource = "integration"
	CronSourceSystem      CronSource = "system"
)

// CronEntry is a periodic job definition. While active and unpaused,
// NextRunAt always holds the soonest future instant matching Expression
// in Timezone.
type CronEntry struct {
	ID                  string          `db:"id" json:"id"`
	Name                string          `db:"name" json:"name"`
	Expression          string          `db:"cron_expression" json:"cron_expression"`
	Timezone            string          `db:"timezone" json:"timezone"`
	JobType             string          `db:"job_type" json:"job_type"`
	Configuration       json.RawMessage `db:"configuration" json:"configuration,omitempty"`
	Source              CronSource      `db:"source" json:"source"`
	IsActive            bool            `db:"is_active" json:"is_active"`
	IsPaused            bool            `db:"is_paused" json:"is_paused"`
	NextRunAt           *time.Time      `db:"next_run_at" json:"next_run_at,omitempty"`
	LastRunAt           *time.Time      `db:"last_run_at" json:"last_run_at,omitempty"`
	ConsecutiveFailures int             `db:"consecutive_failures" json:"consecutive_failures"`
	MaxFailures         int             `db:"max_failures" json:"max_failures"`
	RunCount            int64           `db:"run_count" json:"run_count"`
	FailureCount        int64           `db:"failure_count" json:"failure_count"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// CronExecution is one append-only record of a cron fire
type CronExecution struct {
	ID      int64     `db:"id" json:"id"`
	EntryID string    `db:"entry_id" json:"entry_id"`
	JobID   string    `db:"job_id" json:"job_id,omitempty"`
	FiredAt time.Time `db:"fired_at" json:"fired_at"`
	Error   string    `db:"error" json:"error,omitempty"`
}

// CreditTransaction is one append-only billing ledger row
type CreditTransaction struct {
	ID          int64     `db:"id" json:"id"`
	StoreID     string    `db:"store_id" json:"store_id"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	Kind        string    `db:"kind" json:"kind"`
	Description string    `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
