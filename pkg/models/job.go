// Package models holds the entities shared across the engine: persisted
// jobs, endpoints and messages, and the transient structures built for and
// returned by the AI agent adapter and endpoint executor.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of a Job as owned by the engine.
type JobStatus string

const (
	JobStatusActive JobStatus = "ACTIVE"
	JobStatusPaused JobStatus = "PAUSED"
	JobStatusFailed JobStatus = "FAILED"
)

// TokenUsage accumulates AI token spend for a job across cycles.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *TokenUsage) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, u)
}

func (u TokenUsage) Value() (driver.Value, error) {
	return json.Marshal(u)
}

func (u *TokenUsage) Add(delta TokenUsage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
}

// Job is the unit of scheduled work. Everything but locked*, nextRunAt,
// lastRunAt and the error/usage fields is created externally and treated as
// immutable by the engine.
type Job struct {
	ID                  uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Definition          string         `json:"definition" gorm:"type:text;not null"`
	Status              JobStatus      `json:"status" gorm:"type:varchar(20);not null;default:'ACTIVE'"`
	LockedBy            *string        `json:"locked_by,omitempty"`
	LockedAt            *time.Time     `json:"locked_at,omitempty"`
	NextRunAt           *time.Time     `json:"next_run_at,omitempty" gorm:"index"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures" gorm:"default:0"`
	TokenUsageTotal     TokenUsage     `json:"token_usage_total" gorm:"type:jsonb"`
	LastError           string         `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	DeletedAt           gorm.DeletedAt `json:"-" gorm:"index"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// IsLocked reports whether the job's lease is currently held, given ttl.
func (j *Job) IsLocked(now time.Time, ttl time.Duration) bool {
	if j.LockedBy == nil || j.LockedAt == nil {
		return false
	}
	return j.LockedAt.Add(ttl).After(now)
}

// Endpoint is a user-defined HTTP collaborator a job's plan may invoke.
// Immutable from the engine's point of view.
type Endpoint struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID          uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index"`
	Method         string    `json:"method" gorm:"type:varchar(10);not null"`
	URL            string    `json:"url" gorm:"type:text;not null"`
	RequestSchema  string    `json:"request_schema,omitempty" gorm:"type:jsonb"`
	ResponseSchema string    `json:"response_schema,omitempty" gorm:"type:jsonb"`
	CreatedAt      time.Time `json:"created_at"`

	Job *Job `json:"-" gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE"`
}

func (e *Endpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// MessageRole is the speaker of a Message in a job's prompt history.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in a job's append-only prompt history.
type Message struct {
	ID        uuid.UUID   `json:"id" gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID   `json:"job_id" gorm:"type:uuid;not null;index"`
	Role      MessageRole `json:"role" gorm:"type:varchar(10);not null"`
	Content   string      `json:"content" gorm:"type:text;not null"`
	Sequence  int64       `json:"sequence" gorm:"not null;index"`
	Timestamp time.Time   `json:"timestamp"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// EndpointUsage is one append-only entry in an endpoint's call history,
// truncated by the prompt optimizer before being shown to the AI.
type EndpointUsage struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID          uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index"`
	EndpointID     uuid.UUID `json:"endpoint_id" gorm:"type:uuid;not null;index"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	LatencyMs      int64     `json:"latency_ms"`
	Classification string    `json:"classification,omitempty"`
}

func (u *EndpointUsage) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
