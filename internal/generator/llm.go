package generator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/recoverylab/validator/internal/model"
)

const (
	DefaultBaseURL = "https://api.minimax.io/v1"
	DefaultModel   = "MiniMax-M2"

	requestTimeout = 60 * time.Second
	temperature    = 0.3
)

type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	TargetURL string

	// Used to build the metric explorer citation on model answers.
	DatadogSite string
	Service     string
	Env         string
}

// LLMClient asks an OpenAI-compatible chat endpoint for plans and answers.
type LLMClient struct {
	client   *openai.Client
	cfg      Config
	fallback *Fallback
}

// New returns the LLM-backed generator when an API key is configured and
// the fallback generator otherwise.
func New(cfg Config) Generator {
	if cfg.APIKey == "" {
		slog.Warn("No model API key configured, using fallback generator")
		return NewFallback(cfg.TargetURL)
	}
	return NewLLMClient(cfg)
}

func NewLLMClient(cfg Config) *LLMClient {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DatadogSite == "" {
		cfg.DatadogSite = "datadoghq.com"
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	slog.Info("Initializing plan generator", "model", cfg.Model, "base_url", oc.BaseURL)
	return &LLMClient{
		client:   openai.NewClientWithConfig(oc),
		cfg:      cfg,
		fallback: NewFallback(cfg.TargetURL),
	}
}

func (c *LLMClient) GeneratePlan(ctx context.Context, pc PlanContext) []model.PlanItem {
	content, err := c.complete(ctx,
		"You are an expert SRE assistant that generates valid JSON only.",
		planPrompt(c.cfg.TargetURL, pc))
	if err != nil {
		slog.Error("Plan generation failed, using fallback plan", "incident_id", pc.IncidentID, "error", err)
		return c.fallback.GeneratePlan(ctx, pc)
	}

	items, err := ParsePlan(content)
	if err != nil {
		slog.Warn("Model returned an unusable plan, using fallback plan", "incident_id", pc.IncidentID, "error", err)
		return c.fallback.GeneratePlan(ctx, pc)
	}

	slog.Info("Generated validation plan", "incident_id", pc.IncidentID, "items", len(items))
	return items
}

func (c *LLMClient) GenerateAnswer(ctx context.Context, req AnswerRequest) model.CopilotAnswer {
	content, err := c.complete(ctx,
		"You are an expert SRE assistant helping with incident recovery.",
		answerPrompt(req))
	if err != nil {
		slog.Error("Answer generation failed, using default answer", "error", err)
		return c.fallback.GenerateAnswer(ctx, req)
	}
	if strings.TrimSpace(content) == "" {
		slog.Warn("Model returned an empty answer, using default answer")
		return c.fallback.GenerateAnswer(ctx, req)
	}

	return model.CopilotAnswer{
		IncidentID: req.IncidentID,
		Question:   req.Question,
		Answer:     content,
		Citations:  []model.Citation{{Label: "Datadog Metric Explorer", URL: c.metricExplorerURL()}},
		CreatedAt:  c.fallback.now(),
	}
}

func (c *LLMClient) complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *LLMClient) metricExplorerURL() string {
	query := fmt.Sprintf("sum:trace.http.request.errors{service:%s,env:%s}.as_count()", c.cfg.Service, c.cfg.Env)
	return fmt.Sprintf("https://app.%s/metric/explorer?query=%s&live=true", c.cfg.DatadogSite, url.QueryEscape(query))
}

func planPrompt(targetURL string, pc PlanContext) string {
	topError := pc.Signal.TopError
	if topError == "" {
		topError = "Checkout endpoint returning 500"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The checkout service at %s is experiencing an incident:\n", targetURL)
	fmt.Fprintf(&b, "- Error rate: %.1f%%\n", pc.Signal.ErrorRate5m)
	fmt.Fprintf(&b, "- P95 latency: %.0fms\n", pc.Signal.P95LatencyMs5m)
	fmt.Fprintf(&b, "- Top error: %s\n\n", topError)
	b.WriteString("The service exposes:\n")
	b.WriteString("- GET /health - health check\n")
	b.WriteString("- GET /catalog - product catalog\n")
	b.WriteString("- POST /checkout - checkout endpoint (returns 500 while the bug is enabled)\n\n")
	b.WriteString("Produce a Recovery Validation Plan as a JSON array of exactly 5 test items:\n")
	fmt.Fprintf(&b, `[
  {
    "test_id": "TEST-001",
    "name": "Health Check",
    "type": "API",
    "priority": 1,
    "what_it_checks": "Service health endpoint returns OK",
    "target": {"method": "GET", "url": "%s/health", "headers": {}, "body_json": null},
    "pass_criteria": "Returns 200 OK"
  }
]
`, targetURL)
	b.WriteString("Cover the health endpoint, the catalog endpoint, checkout, error handling and a negative case.\n")
	b.WriteString("Output ONLY the JSON array. No markdown, no prose.")
	return b.String()
}

func answerPrompt(req AnswerRequest) string {
	var b strings.Builder
	b.WriteString("Answer this question about the current incident.\n")

	if inc := req.Incident; inc != nil {
		sig := inc.MonitorSummary.Signal
		topError := sig.TopError
		if topError == "" {
			topError = "None"
		}
		b.WriteString("\nCurrent Incident:\n")
		fmt.Fprintf(&b, "- Incident ID: %s\n", inc.IncidentID)
		fmt.Fprintf(&b, "- Title: %s\n", inc.Title)
		fmt.Fprintf(&b, "- Detected: %s\n", inc.DetectedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "- Error Rate: %.2f%%\n", sig.ErrorRate5m)
		fmt.Fprintf(&b, "- P95 Latency: %.0fms\n", sig.P95LatencyMs5m)
		fmt.Fprintf(&b, "- Top Error: %s\n", topError)
		fmt.Fprintf(&b, "- Plan: %s with %d tests\n", inc.Plan.PlanID, len(inc.Plan.Items))
	}

	if run := req.Run; run != nil {
		counts := run.Counts()
		b.WriteString("\nTest Results:\n")
		fmt.Fprintf(&b, "- Run ID: %s\n", run.RunID)
		fmt.Fprintf(&b, "- Status: %s\n", run.Status)
		fmt.Fprintf(&b, "- Tests: %d/%d passed\n", counts[model.TestPass], len(run.Tests))
		for _, t := range run.Tests {
			if t.Status == model.TestFail {
				fmt.Fprintf(&b, "- FAIL %s %s: %s\n", t.TestID, t.Name, t.Details)
			}
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n\n", req.Question)
	b.WriteString("If there are failing tests, explain what they mean and suggest next steps. Keep the answer concise.")
	return b.String()
}
