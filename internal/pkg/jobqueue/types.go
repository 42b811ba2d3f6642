package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	// JobTypeEffectReplay dispatches one dead-lettered billing effect again.
	JobTypeEffectReplay JobType = "effect_replay"
	// JobTypeEventReplay reprocesses a stored webhook event that was released
	// without being applied.
	JobTypeEventReplay JobType = "event_replay"
	// JobTypeCounterFlush drains the webhook outcome counters into the database.
	JobTypeCounterFlush JobType = "counter_flush"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	UniqueKey   string                 `json:"unique_key,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// EffectReplayJobPayload names a billing_effect_failures row.
type EffectReplayJobPayload struct {
	FailureID uint `json:"failure_id"`
}

func (p EffectReplayJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"failure_id": p.FailureID,
	}
}

func EffectReplayJobPayloadFromMap(data map[string]interface{}) (*EffectReplayJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload EffectReplayJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// EventReplayJobPayload names a billing_webhook_events row.
type EventReplayJobPayload struct {
	EventID     uint   `json:"event_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (p EventReplayJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"event_id": p.EventID,
	}
	if p.RequestedBy != "" {
		m["requested_by"] = p.RequestedBy
	}
	return m
}

func EventReplayJobPayloadFromMap(data map[string]interface{}) (*EventReplayJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var payload EventReplayJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
