package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
	"github.com/eleven-am/conduit/internal/ports"
)

// Deleter removes entities whose ids come from the upstream envelope. The
// id mapping selects which records supply ids: a "duplicates." prefix reads
// the duplicates side channel, anything else reads the items list.
type Deleter struct {
	entities ports.EntityRepository
	logger   *slog.Logger
}

type deleterConfig struct {
	EntityType    string                     `json:"entityType"`
	UseDuplicates bool                       `json:"useDuplicates,omitempty"`
	IDField       string                     `json:"idField,omitempty"`
	Mappings      map[string]mapping.Mapping `json:"mappings,omitempty"`
}

func NewDeleter(entities ports.EntityRepository, logger *slog.Logger) *Deleter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deleter{
		entities: entities,
		logger:   logger.With("step", "deleter"),
	}
}

func (s *Deleter) Name() string { return "deleter" }

func (s *Deleter) Execute(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg deleterConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.EntityType == "" {
		return nil, domain.NewValidationError("deleter requires an entityType", nil)
	}

	ids, err := s.targetIDs(cfg, input)
	if err != nil {
		return nil, err
	}

	deleted := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if err := s.entities.Delete(cfg.EntityType, id); err != nil {
			if domain.IsNotFound(err) {
				s.logger.Debug("entity already absent", "entity_type", cfg.EntityType, "id", id)
				continue
			}
			return nil, err
		}
		deleted = append(deleted, map[string]interface{}{"id": id})
	}

	s.logger.Debug("deleter finished", "entity_type", cfg.EntityType, "deleted", len(deleted))

	output := domain.NewEnvelope(deleted)
	output.Meta = map[string]interface{}{"deleted": len(deleted)}
	return output, nil
}

func (s *Deleter) targetIDs(cfg deleterConfig, input *domain.Envelope) ([]string, error) {
	idField := cfg.IDField
	if idField == "" {
		idField = "id"
	}

	if cfg.UseDuplicates {
		return collectIDs(input.Duplicates, idField)
	}

	idMapping, ok := cfg.Mappings["id"]
	if !ok {
		return nil, domain.NewValidationError("deleter requires useDuplicates or an id mapping", nil)
	}

	if rest, found := strings.CutPrefix(idMapping.From, "duplicates."); found {
		return collectIDs(input.Duplicates, rest)
	}
	return collectIDs(input.Items, idMapping.From)
}

func collectIDs(records []map[string]interface{}, path string) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		value, found := mapping.LookupPath(record, path)
		if !found {
			return nil, domain.NewValidationError("record is missing the id field", map[string]interface{}{
				"idField": path,
			})
		}
		ids = append(ids, fmt.Sprint(value))
	}
	return ids, nil
}
