package charts

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/recoverylab/validator/internal/model"
)

var statusOrder = []model.TestStatus{model.TestPending, model.TestRunning, model.TestPass, model.TestFail}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// StatusTrend plots error rate and p95 latency over the recorded history.
func (g *Generator) StatusTrend(samples []model.Sample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Error Rate / P95 Latency"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%"}),
		charts.WithInitializationOpts(opts.Initialization{
			Height: "280px",
			Width:  "100%",
		}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "ms"})

	xAxis := make([]string, len(samples))
	rates := make([]opts.LineData, len(samples))
	latencies := make([]opts.LineData, len(samples))

	for i, s := range samples {
		xAxis[i] = s.At.Format("15:04:05")
		rates[i] = opts.LineData{Value: s.ErrorRate5m, Name: string(s.Status)}
		latencies[i] = opts.LineData{Value: s.P95LatencyMs5m, YAxisIndex: 1}
	}

	line.SetXAxis(xAxis).
		AddSeries("Error rate %", rates).
		AddSeries("P95 ms", latencies, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))

	return line
}

// RunBreakdown counts the items of a run by status.
func (g *Generator) RunBreakdown(run *model.TestRun) *charts.Bar {
	title := "No test run"
	counts := map[model.TestStatus]int{}
	if run != nil {
		title = fmt.Sprintf("%s (%s)", run.RunID, run.Status)
		counts = run.Counts()
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithInitializationOpts(opts.Initialization{
			Height: "280px",
			Width:  "100%",
		}),
	)

	xAxis := make([]string, len(statusOrder))
	data := make([]opts.BarData, len(statusOrder))
	for i, st := range statusOrder {
		xAxis[i] = string(st)
		data[i] = opts.BarData{Value: counts[st]}
	}

	bar.SetXAxis(xAxis).AddSeries("Tests", data)
	return bar
}

// Dashboard renders both charts as one HTML page.
func (g *Generator) Dashboard(w io.Writer, samples []model.Sample, run *model.TestRun) error {
	page := components.NewPage()
	page.PageTitle = "Recovery Validation"
	page.AddCharts(g.StatusTrend(samples), g.RunBreakdown(run))
	return page.Render(w)
}

// Sparkline renders values as a small inline SVG.
func (g *Generator) Sparkline(values []float64) string {
	if len(values) < 2 {
		return ""
	}
	width := 100
	height := 30

	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo == hi {
		hi = lo + 1
	}

	points := make([]string, len(values))
	for i, v := range values {
		x := float64(i) * float64(width) / float64(len(values)-1)
		y := float64(height) - ((v - lo) / (hi - lo) * float64(height))
		points[i] = fmt.Sprintf("%.1f,%.1f", x, y)
	}

	return fmt.Sprintf(`<svg width="%d" height="%d" class="sparkline"><polyline points="%s" fill="none" stroke="currentColor" stroke-width="2"/></svg>`,
		width, height, strings.Join(points, " "))
}

// Renderer is anything that can render itself to an io.Writer.
type Renderer interface {
	Render(w io.Writer) error
}

func (g *Generator) RenderToString(c Renderer) (string, error) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		return "", fmt.Errorf("failed to render chart: %w", err)
	}
	return buf.String(), nil
}
