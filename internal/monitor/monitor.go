package monitor

import (
	"context"

	"github.com/recoverylab/validator/internal/model"
)

// Monitor returns the latest 5-minute signal for a service. Implementations
// never fail: when the backing system is unreachable they return a zero
// signal, which reads as healthy.
type Monitor interface {
	QueryRecentSignal(ctx context.Context, service string) model.Signal
}

// MockClient reports a steady healthy signal.
type MockClient struct {
	Signal model.Signal
}

func NewMockClient() *MockClient {
	return &MockClient{Signal: model.Signal{ErrorRate5m: 0, P95LatencyMs5m: 45}}
}

func (c *MockClient) QueryRecentSignal(ctx context.Context, service string) model.Signal {
	return c.Signal
}
