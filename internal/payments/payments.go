package payments

import "context"

// Processor is the narrow interface to the payment collaborator: a hold
// is placed when the ride is requested, captured on completion, and
// refunded (released) on cancellation. None of these calls gate ride
// state transitions; failures are logged and surfaced out of band.
type Processor interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Refund(ctx context.Context, holdID string) error
}

// Noop satisfies Processor for deployments where payment is handled
// entirely by an external service (e.g. mobile-money flows).
type Noop struct{}

func (Noop) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	return "", nil
}
func (Noop) Capture(ctx context.Context, holdID string) error { return nil }
func (Noop) Refund(ctx context.Context, holdID string) error  { return nil }
