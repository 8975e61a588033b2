package models

import "time"

// SourceQuotaState is the per-source call and cost accounting owned by the
// fetch scheduler.
type SourceQuotaState struct {
	WindowStart             time.Time `json:"window_start"`
	CallsUsedInWindow       int       `json:"calls_used_in_window"`
	PeriodStart             time.Time `json:"period_start"`
	CostUsedInBillingPeriod float64   `json:"cost_used_in_billing_period"`
}

// SourceState is the scheduler state of a single source.
type SourceState string

const (
	SourceIdle     SourceState = "Idle"
	SourceFetching SourceState = "Fetching"
	SourceCooling  SourceState = "Cooling"
	SourceDegraded SourceState = "Degraded"
	SourceDisabled SourceState = "Disabled"
)

// SourceHealth is the observability view of one source.
type SourceHealth struct {
	SourceID            string           `json:"source_id"`
	Kind                SourceKind       `json:"kind"`
	Vendor              string           `json:"vendor"`
	State               SourceState      `json:"state"`
	Quota               SourceQuotaState `json:"quota"`
	MaxCallsPerWindow   int              `json:"max_calls_per_window"`
	MaxCostPerPeriod    float64          `json:"max_cost_per_period"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastError           string           `json:"last_error,omitempty"`
	LastSuccess         time.Time        `json:"last_success,omitempty"`
	NextAttempt         time.Time        `json:"next_attempt,omitempty"`
	Calls               int64            `json:"calls"`
	Observations        int64            `json:"observations"`
}
