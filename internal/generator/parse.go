package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/recoverylab/validator/internal/model"
)

var ErrInvalidPlan = errors.New("invalid plan")

var (
	jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)
	planValidate     = validator.New()
)

type planDocument struct {
	Items []model.PlanItem `validate:"required,min=1,dive"`
}

// ParsePlan extracts the JSON array from a model response and validates
// every item. Any failure yields an error wrapping ErrInvalidPlan; partial
// plans are never returned.
func ParsePlan(content string) ([]model.PlanItem, error) {
	raw := jsonArrayPattern.FindString(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrInvalidPlan)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc.Items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := planValidate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	seen := make(map[string]bool, len(doc.Items))
	for _, item := range doc.Items {
		if seen[item.TestID] {
			return nil, fmt.Errorf("%w: duplicate test_id %s", ErrInvalidPlan, item.TestID)
		}
		seen[item.TestID] = true
	}
	return doc.Items, nil
}
