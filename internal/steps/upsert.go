package steps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"dario.cat/mergo"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/google/uuid"
)

// Upsert maps each record onto an entity patch and writes it, inserting new
// entities and updating ones matched by the deduplication strategy. Output is
// the fixed {items: [ids], total, lastUpdated} contract downstream cleanup
// steps rely on.
type Upsert struct {
	entities ports.EntityRepository
	logger   *slog.Logger
}

type upsertConfig struct {
	EntityType            string                     `json:"entityType"`
	Mappings              map[string]mapping.Mapping `json:"mappings"`
	DeduplicationStrategy string                     `json:"deduplicationStrategy,omitempty"`
}

func NewUpsert(entities ports.EntityRepository, logger *slog.Logger) *Upsert {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upsert{
		entities: entities,
		logger:   logger.With("step", "upsert"),
	}
}

func (s *Upsert) Name() string { return "upsert" }

func (s *Upsert) Execute(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg upsertConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.EntityType == "" {
		return nil, domain.NewValidationError("upsert requires an entityType", nil)
	}
	if len(cfg.Mappings) == 0 {
		return nil, domain.NewValidationError("upsert requires field mappings", nil)
	}
	switch cfg.DeduplicationStrategy {
	case "", "none", "hash":
	default:
		return nil, domain.NewValidationError("unknown deduplicationStrategy", map[string]interface{}{
			"deduplicationStrategy": cfg.DeduplicationStrategy,
		})
	}
	mapCfg := &mapping.Config{Mappings: cfg.Mappings}
	if err := mapCfg.Validate(); err != nil {
		return nil, err
	}

	ids := make([]map[string]interface{}, 0, len(input.Items))
	inserted, updated := 0, 0
	for _, record := range input.Items {
		patch := mapping.Apply(record, mapCfg, nil, s.logger)

		id, existed, err := s.write(cfg, patch)
		if err != nil {
			return nil, err
		}
		if existed {
			updated++
		} else {
			inserted++
		}
		ids = append(ids, map[string]interface{}{"id": id})
	}

	s.logger.Debug("upsert finished",
		"entity_type", cfg.EntityType,
		"inserted", inserted,
		"updated", updated,
	)

	output := domain.NewEnvelope(ids)
	output.Duplicates = input.Duplicates
	output.Excluded = input.Excluded
	output.Meta = map[string]interface{}{
		"total":       len(ids),
		"lastUpdated": time.Now().UTC().Format(time.RFC3339),
	}
	return output, nil
}

func (s *Upsert) write(cfg upsertConfig, patch map[string]interface{}) (string, bool, error) {
	if cfg.DeduplicationStrategy != "hash" {
		id := uuid.New().String()
		return id, false, s.entities.Save(cfg.EntityType, id, patch)
	}

	hash, err := patchHash(patch)
	if err != nil {
		return "", false, err
	}

	existingID, found, err := s.entities.FindByHash(cfg.EntityType, hash)
	if err != nil {
		return "", false, err
	}
	if found {
		existing, err := s.entities.Load(cfg.EntityType, existingID)
		if err != nil {
			return "", false, err
		}
		if err := mergo.Merge(&existing, patch, mergo.WithOverride); err != nil {
			return "", false, domain.NewInternalError("failed to merge entity patch", err)
		}
		return existingID, true, s.entities.Save(cfg.EntityType, existingID, existing)
	}

	id := uuid.New().String()
	return id, false, s.entities.SaveWithHash(cfg.EntityType, id, hash, patch)
}

// patchHash hashes the canonical JSON form of the mapped patch. Map keys
// serialize sorted, so equal patches always hash equal.
func patchHash(patch map[string]interface{}) (string, error) {
	canonical, err := xjson.Marshal(patch)
	if err != nil {
		return "", domain.NewInternalError("failed to hash entity patch", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
