package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

// Step is one runnable processing behavior, resolved by step-type tag at
// run time. Implementations must be safe for concurrent use across
// executions.
type Step interface {
	Name() string
	Execute(ctx context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error)
}

// StepTester is optionally implemented by steps whose interactive test run
// differs from normal execution (e.g. dry-run side effects). Steps without
// it are tested through Execute directly.
type StepTester interface {
	Test(ctx context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error)
}

// Connector fetches records from an external source for input sources of
// type external.
type Connector interface {
	Name() string
	Fetch(ctx context.Context, filters map[string]interface{}) ([]map[string]interface{}, error)
}
