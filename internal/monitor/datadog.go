package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recoverylab/validator/internal/model"
)

const (
	// APM trace metrics published by the Datadog agent for instrumented
	// HTTP services.
	ErrorsMetric  = "trace.http.request.errors"
	HitsMetric    = "trace.http.request.hits"
	latencyMetric = "trace.http.request.duration.by.service.95p"

	queryWindow = 5 * time.Minute
)

type DatadogConfig struct {
	APIKey  string
	AppKey  string
	Site    string
	Env     string
	BaseURL string // overrides https://api.<Site>, for tests
}

// DatadogClient queries the Datadog metrics API for the error rate and p95
// latency of a service.
type DatadogClient struct {
	cfg        DatadogConfig
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// New returns a Datadog-backed monitor when an API key is configured and the
// mock otherwise.
func New(cfg DatadogConfig) Monitor {
	if cfg.APIKey == "" {
		slog.Warn("No Datadog API key configured, using mock monitor")
		return NewMockClient()
	}
	return NewDatadogClient(cfg)
}

func NewDatadogClient(cfg DatadogConfig) *DatadogClient {
	if cfg.Site == "" {
		cfg.Site = "datadoghq.com"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api." + cfg.Site
	}
	return &DatadogClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

func (c *DatadogClient) QueryRecentSignal(ctx context.Context, service string) model.Signal {
	scope := fmt.Sprintf("{service:%s,env:%s}", service, c.cfg.Env)

	var errorRate, p95Seconds float64
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.queryLast(gCtx, ErrorRateQuery(scope))
		errorRate = v
		return err
	})
	g.Go(func() error {
		v, err := c.queryLast(gCtx, "avg:"+latencyMetric+scope)
		p95Seconds = v
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Warn("Datadog query failed, reporting healthy signal", "service", service, "error", err)
		return model.Signal{}
	}

	signal := model.Signal{
		ErrorRate5m:    errorRate,
		P95LatencyMs5m: p95Seconds * 1000,
	}
	if errorRate > 0 {
		signal.TopError = "Checkout endpoint returning 500"
	}
	return signal
}

// ErrorRateQuery returns the percentage of requests in scope that errored.
func ErrorRateQuery(scope string) string {
	return fmt.Sprintf("100 * sum:%s%s.as_count() / sum:%s%s.as_count()", ErrorsMetric, scope, HitsMetric, scope)
}

type queryResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Series []struct {
		Pointlist [][]*float64 `json:"pointlist"`
	} `json:"series"`
}

// queryLast runs a timeseries query over the last five minutes and returns
// the most recent non-null point, or zero when the series is empty.
func (c *DatadogClient) queryLast(ctx context.Context, query string) (float64, error) {
	now := c.now()
	params := url.Values{}
	params.Set("query", query)
	params.Set("from", strconv.FormatInt(now.Add(-queryWindow).Unix(), 10))
	params.Set("to", strconv.FormatInt(now.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/query?"+params.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("DD-API-KEY", c.cfg.APIKey)
	req.Header.Set("DD-APPLICATION-KEY", c.cfg.AppKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("API returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Status == "error" {
		return 0, fmt.Errorf("query error: %s", parsed.Error)
	}

	for _, series := range parsed.Series {
		for i := len(series.Pointlist) - 1; i >= 0; i-- {
			point := series.Pointlist[i]
			if len(point) == 2 && point[1] != nil {
				return *point[1], nil
			}
		}
	}
	return 0, nil
}
