package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Target endpoint kinds. Any other value selects the bare HTTP chat endpoint.
const (
	TargetCustomQA    = "CUSTOM_QA"
	TargetAzureOpenAI = "AZURE_OPENAI"
	TargetChat        = "CHAT"
)

// validTransitions maps each status to the set of statuses it may transition to.
// timed_out is only reachable from running. The execution that timed out may
// still write its own terminal state over it afterwards.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusError:     true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
	StatusTimedOut: {
		StatusCompleted: true,
		StatusError:     true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Target describes the system under test. It is declared at submission and
// never modified by the engine.
type Target struct {
	Name             string         `json:"target_name,omitempty" yaml:"target_name"`
	Description      string         `json:"target_description,omitempty" yaml:"target_description"`
	EndpointURL      string         `json:"target_endpoint_url,omitempty" yaml:"target_endpoint_url"`
	AuthMethod       string         `json:"target_auth_method,omitempty" yaml:"target_auth_method"`
	APIKey           string         `json:"target_api_key,omitempty" yaml:"target_api_key"`
	EndpointType     string         `json:"target_endpoint_type,omitempty" yaml:"target_endpoint_type"`
	InputField       string         `json:"target_input_field,omitempty" yaml:"target_input_field"`
	OutputField      string         `json:"target_output_field,omitempty" yaml:"target_output_field"`
	EndpointConfig   map[string]any `json:"target_endpoint_config,omitempty" yaml:"target_endpoint_config"`
	AdditionalParams map[string]any `json:"target_additional_params,omitempty" yaml:"target_additional_params"`
	Labels           map[string]any `json:"target_labels,omitempty" yaml:"target_labels"`
}

// Job is one request to run an adversarial probe against a target, together
// with its execution lifecycle.
type Job struct {
	ID                     string `json:"id" yaml:"id"`
	ProjectID              string `json:"project_id,omitempty" yaml:"project_id"`
	TargetID               string `json:"target_id,omitempty" yaml:"target_id"`
	VulnerabilityCatalogID string `json:"vulnerability_catalog_id,omitempty" yaml:"vulnerability_catalog_id"`

	VulnerabilityType    string         `json:"vulnerability_type,omitempty" yaml:"vulnerability_type"`
	VulnerabilitySubtype string         `json:"vulnerability_subtype,omitempty" yaml:"vulnerability_subtype"`
	AttackMethod         string         `json:"attack_method,omitempty" yaml:"attack_method"`
	NumberOfAttacks      *int           `json:"number_of_attacks,omitempty" yaml:"number_of_attacks"`
	ProbeMetadata        map[string]any `json:"probe_metadata,omitempty" yaml:"probe_metadata"`

	Target `yaml:",inline"`

	Status              string          `json:"status" yaml:"-"`
	StartedAt           *time.Time      `json:"started_at,omitempty" yaml:"-"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty" yaml:"-"`
	ExecutionDurationMS *int64          `json:"execution_duration_ms,omitempty" yaml:"-"`
	ResultData          json.RawMessage `json:"result_data,omitempty" yaml:"-"`
	SeverityScore       *float64        `json:"severity_score,omitempty" yaml:"-"`
	ConfidenceScore     *float64        `json:"confidence_score,omitempty" yaml:"-"`
	SuccessIndicator    *bool           `json:"success_indicator,omitempty" yaml:"-"`
	ErrorMessage        string          `json:"error_message,omitempty" yaml:"-"`
	CreatedAt           time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time       `json:"updated_at" yaml:"-"`
}

// Redacted returns a shallow copy of the job with credentials removed, for
// responses and snapshots.
func (j *Job) Redacted() *Job {
	c := *j
	c.APIKey = ""
	return &c
}

// Event is a persisted status transition of a job.
type Event struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
