package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/recoverylab/validator/internal/model"
)

const detailLimit = 100

var statusCodePattern = regexp.MustCompile(`\b[45]\d\d\b`)

// Outcome is the verdict for one executed plan item.
type Outcome struct {
	Status  model.TestStatus
	Details string
}

func pass(details string) Outcome { return Outcome{Status: model.TestPass, Details: details} }
func fail(details string) Outcome { return Outcome{Status: model.TestFail, Details: details} }

// Probe issues the HTTP request described by item and classifies the
// response. It never returns an error: transport problems become FAIL
// outcomes.
func Probe(ctx context.Context, client *http.Client, item model.PlanItem, bugEnabled bool, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := item.Target.Method
	if method == "" {
		method = model.MethodGet
	}

	var body io.Reader
	if item.Target.BodyJSON != nil && method != model.MethodGet && method != model.MethodDelete {
		data, err := json.Marshal(item.Target.BodyJSON)
		if err != nil {
			return fail("Error: " + truncate(err.Error()))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, string(method), item.Target.URL, body)
	if err != nil {
		return fail("Error: " + truncate(err.Error()))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range item.Target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fail("Request timed out")
		}
		return fail("Error: " + truncate(err.Error()))
	}
	defer resp.Body.Close()

	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return Classify(item, method, resp.StatusCode, string(text), bugEnabled)
}

// Classify applies the pass rules to an observed status code.
//
// A mutation against a checkout URL passes iff the code matches the bug
// toggle: 500 while enabled, 200 while disabled. Anything else passes on
// 1xx-3xx, and on 4xx/5xx only when the pass criteria names that code.
func Classify(item model.PlanItem, method model.HTTPMethod, code int, body string, bugEnabled bool) Outcome {
	if strings.Contains(strings.ToLower(item.Target.URL), "checkout") && method.IsMutation() {
		if bugEnabled {
			if code == http.StatusInternalServerError {
				return pass(fmt.Sprintf("Bug is enabled, checkout returns 500 as expected (HTTP %d)", code))
			}
			return fail(fmt.Sprintf("Expected 500 when bug is enabled, got %d", code))
		}
		if code == http.StatusOK {
			return pass(fmt.Sprintf("Checkout successful (HTTP %d)", code))
		}
		return fail(fmt.Sprintf("Expected 200 when bug is disabled, got %d", code))
	}

	if code < 400 {
		return pass(fmt.Sprintf("HTTP %d - %s", code, orDefault(truncate(body), "OK")))
	}

	if criteriaMentions(item.PassCriteria, code) {
		return pass(fmt.Sprintf("HTTP %d - %s", code, orDefault(truncate(body), http.StatusText(code))))
	}
	return fail(fmt.Sprintf("HTTP %d - %s", code, orDefault(truncate(body), "Error")))
}

func criteriaMentions(criteria string, code int) bool {
	want := strconv.Itoa(code)
	for _, m := range statusCodePattern.FindAllString(criteria, -1) {
		if m == want {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > detailLimit {
		return string(r[:detailLimit])
	}
	return s
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
