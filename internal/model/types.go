package model

import (
	"time"
)

type Status string

const (
	StatusHealthy        Status = "HEALTHY"
	StatusIncidentActive Status = "INCIDENT_ACTIVE"
	StatusValidating     Status = "VALIDATING"
	StatusRecovered      Status = "RECOVERED"
)

type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodDelete HTTPMethod = "DELETE"
)

// IsMutation reports whether the method changes state on the target.
func (m HTTPMethod) IsMutation() bool {
	return m == MethodPost || m == MethodPut || m == MethodDelete
}

type PlanItemType string

const (
	TypeAPI       PlanItemType = "API"
	TypeUI        PlanItemType = "UI"
	TypeSynthetic PlanItemType = "SYNTHETIC"
)

type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

type TestStatus string

const (
	TestPending TestStatus = "PENDING"
	TestRunning TestStatus = "RUNNING"
	TestPass    TestStatus = "PASS"
	TestFail    TestStatus = "FAIL"
)

// Terminal reports whether the item has finished executing.
func (s TestStatus) Terminal() bool {
	return s == TestPass || s == TestFail
}

type SystemStatus struct {
	Status           Status    `json:"status"`
	ErrorRate5m      float64   `json:"error_rate_5m"`      // percent
	P95LatencyMs5m   float64   `json:"p95_latency_ms_5m"`
	ActiveIncidentID *string   `json:"active_incident_id"` // set iff Status != HEALTHY
	UpdatedAt        time.Time `json:"updated_at"`
}

type Signal struct {
	ErrorRate5m    float64 `json:"error_rate_5m"`
	P95LatencyMs5m float64 `json:"p95_latency_ms_5m"`
	TopError       string  `json:"top_error,omitempty"`
}

type EvidenceLink struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type MonitorSummary struct {
	MonitorID     string         `json:"monitor_id,omitempty"`
	Service       string         `json:"service"`
	Signal        Signal         `json:"signal"`
	EvidenceLinks []EvidenceLink `json:"evidence_links"`
}

type Target struct {
	Method   HTTPMethod        `json:"method" validate:"required,oneof=GET POST PUT DELETE"`
	URL      string            `json:"url" validate:"required,url"`
	Headers  map[string]string `json:"headers"`
	BodyJSON map[string]any    `json:"body_json,omitempty"`
}

type PlanItem struct {
	TestID       string       `json:"test_id" validate:"required"`
	Name         string       `json:"name" validate:"required"`
	Type         PlanItemType `json:"type" validate:"required,oneof=API UI SYNTHETIC"`
	Priority     int          `json:"priority" validate:"gte=0"`
	WhatItChecks string       `json:"what_it_checks"`
	Target       Target       `json:"target" validate:"required"`
	PassCriteria string       `json:"pass_criteria"`
}

type Plan struct {
	PlanID      string     `json:"plan_id"`
	GeneratedAt time.Time  `json:"generated_at"`
	Items       []PlanItem `json:"items"`
}

type Incident struct {
	IncidentID     string         `json:"incident_id"`
	Title          string         `json:"title"`
	DetectedAt     time.Time      `json:"detected_at"`
	MonitorSummary MonitorSummary `json:"datadog_summary"`
	Plan           Plan           `json:"plan"`
}

type TestItem struct {
	TestID       string     `json:"test_id"`
	Name         string     `json:"name"`
	Status       TestStatus `json:"status"`
	LastUpdateAt time.Time  `json:"last_update_at"`
	Details      string     `json:"details,omitempty"`
}

type TestRun struct {
	RunID      string     `json:"run_id"`
	IncidentID string     `json:"incident_id"`
	StartedAt  time.Time  `json:"started_at"`
	Status     RunStatus  `json:"status"`
	Tests      []TestItem `json:"tests"`
}

type Citation struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type CopilotAnswer struct {
	IncidentID *string    `json:"incident_id"`
	Question   string     `json:"question"`
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Sample is one point of the status history kept for the dashboard.
type Sample struct {
	At             time.Time `json:"at"`
	Status         Status    `json:"status"`
	ErrorRate5m    float64   `json:"error_rate_5m"`
	P95LatencyMs5m float64   `json:"p95_latency_ms_5m"`
}
