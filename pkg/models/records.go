package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EndpointCallList is the JSONB-scannable representation of an
// AIAgentPlanResponse's ordered endpoint calls, persisted alongside the
// plan record.
type EndpointCallList []EndpointCall

func (l *EndpointCallList) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

func (l EndpointCallList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

// PlanRecord persists one recordExecutionPlan call, for audit and for
// RecordEndpointResults' check against the job's most recent plan.
type PlanRecord struct {
	ID                uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	JobID             uuid.UUID         `json:"job_id" gorm:"type:uuid;not null;index"`
	ExecutionStrategy ExecutionStrategy `json:"execution_strategy" gorm:"type:varchar(20)"`
	ConcurrencyLimit  int               `json:"concurrency_limit"`
	EndpointCalls     EndpointCallList  `json:"endpoint_calls" gorm:"type:jsonb"`
	Reasoning         string            `json:"reasoning" gorm:"type:text"`
	Confidence        float64           `json:"confidence"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (p *PlanRecord) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// ResultRecord persists one EndpointExecutionResult.
type ResultRecord struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID          uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index"`
	EndpointID     string    `json:"endpoint_id" gorm:"not null"`
	Success        bool      `json:"success"`
	HTTPStatus     int       `json:"http_status"`
	LatencyMs      int64     `json:"latency_ms"`
	Attempts       int       `json:"attempts"`
	Classification string    `json:"classification"`
	BodySummary    string    `json:"body_summary" gorm:"type:text"`
	Error          string    `json:"error" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *ResultRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// SummaryRecord persists one recordExecutionSummary call.
type SummaryRecord struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID           uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *SummaryRecord) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// JobErrorRecord persists one recordJobError call.
type JobErrorRecord struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID `json:"job_id" gorm:"type:uuid;not null;index"`
	Phase     string    `json:"phase" gorm:"type:varchar(20)"`
	Message   string    `json:"message" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *JobErrorRecord) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
