// Package steps holds the built-in step implementations and the registries
// the executor resolves behavior from at run time. The executor never
// branches on a step type by name; it only looks it up here.
package steps

import (
	"context"
	"fmt"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

// Registry maps step-type tags to implementations. Construction happens once
// at startup; lookups are read-mostly.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]ports.Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]ports.Step)}
}

func (r *Registry) Register(step ports.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Name()] = step
}

func (r *Registry) Get(stepType string) (ports.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepType]
	if !ok {
		return nil, domain.NewNotFoundError("step type", stepType)
	}
	return step, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}

// TestStep runs one step in isolation without an execution record. The output
// semantics are identical to an in-graph invocation; steps that implement
// StepTester get their dry-run variant instead.
func (r *Registry) TestStep(ctx context.Context, stepType string, config map[string]interface{}, previousOutput *domain.Envelope) (*domain.Envelope, error) {
	step, err := r.Get(stepType)
	if err != nil {
		return nil, err
	}
	if previousOutput == nil {
		previousOutput = domain.NewEnvelope(nil)
	}
	if tester, ok := step.(ports.StepTester); ok {
		return tester.Test(ctx, config, previousOutput)
	}
	return step.Execute(ctx, config, previousOutput)
}

// Connectors maps connector names to external data-source implementations.
type Connectors struct {
	mu         sync.RWMutex
	connectors map[string]ports.Connector
}

func NewConnectors() *Connectors {
	return &Connectors{connectors: make(map[string]ports.Connector)}
}

func (c *Connectors) Register(connector ports.Connector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectors[connector.Name()] = connector
}

func (c *Connectors) Get(name string) (ports.Connector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	connector, ok := c.connectors[name]
	if !ok {
		return nil, domain.NewNotFoundError("connector", name)
	}
	return connector, nil
}

// decodeConfig round-trips a loose config map into a typed struct so each
// step declares its own shape with json tags.
func decodeConfig(config map[string]interface{}, target interface{}) error {
	raw, err := xjson.Marshal(config)
	if err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid step config: %v", err), nil)
	}
	if err := xjson.Unmarshal(raw, target); err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid step config: %v", err), nil)
	}
	return nil
}
