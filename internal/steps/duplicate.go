package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
	"github.com/xrash/smetrics"
)

// Duplicate flags records whose configured content field is similar to an
// earlier record's. Input order is preserved; flagged records are appended to
// the duplicates side channel, and the later of a pair is the one flagged.
type Duplicate struct {
	logger *slog.Logger
}

type duplicateConfig struct {
	ContentField        string   `json:"contentField"`
	CaseSensitive       bool     `json:"caseSensitive,omitempty"`
	IgnoreWhitespace    bool     `json:"ignoreWhitespace,omitempty"`
	SimilarityThreshold *float64 `json:"similarityThreshold,omitempty"`
}

const defaultSimilarityThreshold = 0.9

func NewDuplicate(logger *slog.Logger) *Duplicate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Duplicate{logger: logger.With("step", "duplicate")}
}

func (s *Duplicate) Name() string { return "duplicate" }

func (s *Duplicate) Execute(_ context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg duplicateConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.ContentField == "" {
		return nil, domain.NewValidationError("duplicate detector requires a contentField", nil)
	}
	// Content paths are relative to a single record, never the envelope.
	if strings.HasPrefix(cfg.ContentField, "items.") {
		return nil, domain.NewValidationError("contentField must be relative to a record, not the envelope", map[string]interface{}{
			"contentField": cfg.ContentField,
		})
	}
	threshold := defaultSimilarityThreshold
	if cfg.SimilarityThreshold != nil {
		threshold = *cfg.SimilarityThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, domain.NewValidationError("similarityThreshold must be in [0,1]", map[string]interface{}{
			"similarityThreshold": threshold,
		})
	}

	seen := make([]string, 0, len(input.Items))
	duplicates := make([]map[string]interface{}, 0)
	for _, record := range input.Items {
		value, found := mapping.LookupPath(record, cfg.ContentField)
		if !found {
			continue
		}
		content := normalize(fmt.Sprint(value), cfg.CaseSensitive, cfg.IgnoreWhitespace)

		isDuplicate := false
		for _, earlier := range seen {
			if similarity(content, earlier) >= threshold {
				isDuplicate = true
				break
			}
		}
		if isDuplicate {
			duplicates = append(duplicates, record)
		} else {
			seen = append(seen, content)
		}
	}

	s.logger.Debug("duplicate detection finished",
		"records", len(input.Items),
		"duplicates", len(duplicates),
	)

	output := &domain.Envelope{
		Items:    input.Items,
		Excluded: input.Excluded,
		Meta:     input.Meta,
	}
	output.Duplicates = duplicates
	return output.Normalize(), nil
}

func normalize(content string, caseSensitive, ignoreWhitespace bool) string {
	if !caseSensitive {
		content = strings.ToLower(content)
	}
	if ignoreWhitespace {
		content = strings.Join(strings.Fields(content), " ")
	}
	return content
}

// similarity scores two normalized strings in [0,1]. Identical strings short
// circuit so an exact-match threshold of 1.0 behaves as pure equality.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, 0.7, 4)
}
