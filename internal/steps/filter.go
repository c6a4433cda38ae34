package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter keeps records matching a boolean expression evaluated against each
// record. Rejected records land on the excluded side channel so downstream
// cleanup steps can act on them.
type Filter struct {
	logger *slog.Logger
}

type filterConfig struct {
	Expression string `json:"expression"`
}

func NewFilter(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{logger: logger.With("step", "filter")}
}

func (s *Filter) Name() string { return "filter" }

func (s *Filter) Execute(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg filterConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, domain.NewValidationError("filter requires an expression", nil)
	}

	program, err := expr.Compile(cfg.Expression, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid filter expression: %v", err), map[string]interface{}{
			"expression": cfg.Expression,
		})
	}

	kept := make([]map[string]interface{}, 0, len(input.Items))
	excluded := make([]map[string]interface{}, 0)
	for _, record := range input.Items {
		keep, err := s.evaluate(program, record)
		if err != nil {
			s.logger.Warn("filter expression failed for record, excluding it",
				"expression", cfg.Expression,
				"error", err.Error(),
			)
			excluded = append(excluded, record)
			continue
		}
		if keep {
			kept = append(kept, record)
		} else {
			excluded = append(excluded, record)
		}
	}

	output := domain.NewEnvelope(kept)
	output.Excluded = excluded
	output.Meta = input.Meta
	return output, nil
}

func (s *Filter) evaluate(program *vm.Program, record map[string]interface{}) (bool, error) {
	result, err := expr.Run(program, record)
	if err != nil {
		return false, err
	}
	keep, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean")
	}
	return keep, nil
}
