// Package generator produces validation plans and copilot answers. The LLM
// client talks to any OpenAI-compatible endpoint and falls back to a fixed
// plan and a canned answer whenever the model is unavailable or its output
// does not validate.
package generator

import (
	"context"
	"time"

	"github.com/recoverylab/validator/internal/model"
)

type PlanContext struct {
	IncidentID string
	Title      string
	Signal     model.Signal
}

type AnswerRequest struct {
	IncidentID *string
	Question   string
	Incident   *model.Incident
	Run        *model.TestRun
}

type Generator interface {
	GeneratePlan(ctx context.Context, pc PlanContext) []model.PlanItem
	GenerateAnswer(ctx context.Context, req AnswerRequest) model.CopilotAnswer
}

// Fallback is the deterministic generator used without a model.
type Fallback struct {
	targetURL string
	now       func() time.Time
}

func NewFallback(targetURL string) *Fallback {
	return &Fallback{
		targetURL: targetURL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (f *Fallback) GeneratePlan(ctx context.Context, pc PlanContext) []model.PlanItem {
	return FallbackPlan(f.targetURL)
}

func (f *Fallback) GenerateAnswer(ctx context.Context, req AnswerRequest) model.CopilotAnswer {
	return DefaultAnswer(req, f.now())
}

// FallbackPlan is the fixed five-item plan against the demo target.
func FallbackPlan(targetURL string) []model.PlanItem {
	cart := func() map[string]any {
		return map[string]any{"items": []any{map[string]any{"id": "1", "price": 19.99}}}
	}

	return []model.PlanItem{
		{
			TestID:       "TEST-001",
			Name:         "Health Check",
			Type:         model.TypeAPI,
			Priority:     1,
			WhatItChecks: "Service health endpoint returns OK",
			Target:       model.Target{Method: model.MethodGet, URL: targetURL + "/health", Headers: map[string]string{}},
			PassCriteria: "Returns 200 OK with status: ok",
		},
		{
			TestID:       "TEST-002",
			Name:         "Catalog Endpoint",
			Type:         model.TypeAPI,
			Priority:     2,
			WhatItChecks: "Product catalog endpoint works",
			Target:       model.Target{Method: model.MethodGet, URL: targetURL + "/catalog", Headers: map[string]string{}},
			PassCriteria: "Returns 200 OK with products array",
		},
		{
			TestID:       "TEST-003",
			Name:         "Checkout Success",
			Type:         model.TypeAPI,
			Priority:     3,
			WhatItChecks: "Checkout endpoint succeeds when bug is disabled",
			Target:       model.Target{Method: model.MethodPost, URL: targetURL + "/checkout", Headers: map[string]string{}, BodyJSON: cart()},
			PassCriteria: "Returns 200 OK with order_id",
		},
		{
			TestID:       "TEST-004",
			Name:         "Empty Cart Handling",
			Type:         model.TypeAPI,
			Priority:     4,
			WhatItChecks: "Checkout handles empty cart gracefully",
			Target:       model.Target{Method: model.MethodPost, URL: targetURL + "/checkout", Headers: map[string]string{}, BodyJSON: map[string]any{"items": []any{}}},
			PassCriteria: "Returns 200 OK even with empty items",
		},
		{
			TestID:       "TEST-005",
			Name:         "Checkout Failure Mode",
			Type:         model.TypeAPI,
			Priority:     5,
			WhatItChecks: "Checkout returns 500 when bug is enabled",
			Target:       model.Target{Method: model.MethodPost, URL: targetURL + "/checkout", Headers: map[string]string{}, BodyJSON: cart()},
			PassCriteria: "Returns 500 when bug is enabled, 200 when bug is disabled",
		},
	}
}

func DefaultAnswer(req AnswerRequest, now time.Time) model.CopilotAnswer {
	return model.CopilotAnswer{
		IncidentID: req.IncidentID,
		Question:   req.Question,
		Answer:     "I recommend checking the service logs and running the validation tests to confirm recovery status.",
		Citations:  []model.Citation{{Label: "Service Documentation", URL: "https://docs.example.com/service"}},
		CreatedAt:  now,
	}
}
