package steps

import (
	"context"
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
)

// DataSource fetches records from a named connector. It ignores its input
// envelope; graph roots use it to seed an execution with external data.
type DataSource struct {
	connectors *Connectors
	logger     *slog.Logger
}

type dataSourceConfig struct {
	Connector string                 `json:"connector"`
	Filters   map[string]interface{} `json:"filters,omitempty"`
}

func NewDataSource(connectors *Connectors, logger *slog.Logger) *DataSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &DataSource{
		connectors: connectors,
		logger:     logger.With("step", "datasource"),
	}
}

func (s *DataSource) Name() string { return "datasource" }

func (s *DataSource) Execute(ctx context.Context, config map[string]interface{}, _ *domain.Envelope) (*domain.Envelope, error) {
	var cfg dataSourceConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Connector == "" {
		return nil, domain.NewValidationError("datasource requires a connector name", nil)
	}

	connector, err := s.connectors.Get(cfg.Connector)
	if err != nil {
		return nil, err
	}

	records, err := connector.Fetch(ctx, cfg.Filters)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetched records", "connector", cfg.Connector, "count", len(records))
	return domain.NewEnvelope(records), nil
}

// StaticConnector serves records straight from its filters, under the key
// "records". It backs step testing and fixtures without a live source.
type StaticConnector struct{}

func (StaticConnector) Name() string { return "static" }

func (StaticConnector) Fetch(_ context.Context, filters map[string]interface{}) ([]map[string]interface{}, error) {
	raw, ok := filters["records"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, domain.NewValidationError("static connector expects records to be a list", nil)
	}
	records := make([]map[string]interface{}, 0, len(list))
	for _, entry := range list {
		record, ok := entry.(map[string]interface{})
		if !ok {
			return nil, domain.NewValidationError("static connector records must be objects", nil)
		}
		records = append(records, record)
	}
	return records, nil
}
