package steps

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"

	"dario.cat/mergo"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/mapping"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

// ProcessRequest is one generic LLM processing job: load an entity, run a
// prompt over it, and apply the response through field mappings.
type ProcessRequest struct {
	EntityType        string                 `json:"entityType"`
	EntityID          string                 `json:"entityId"`
	PromptID          string                 `json:"promptId,omitempty"`
	Template          string                 `json:"template"`
	ProviderID        string                 `json:"providerId,omitempty"`
	Model             string                 `json:"model,omitempty"`
	Temperature       float64                `json:"temperature,omitempty"`
	FieldMappings     mapping.Config         `json:"fieldMappings"`
	TemplateVariables map[string]interface{} `json:"templateVariables,omitempty"`
}

// CompleterFor resolves the completion client for a provider/model pair.
// Deployments with a single provider return the same client for every call.
type CompleterFor func(providerID, model string, temperature float64) (ports.Completer, error)

// Processor runs generic LLM processing jobs. Safe to invoke repeatedly for
// the same entity: applying the same response twice writes the same fields.
type Processor struct {
	entities  ports.EntityRepository
	completer CompleterFor
	logger    *slog.Logger
}

func NewProcessor(entities ports.EntityRepository, completer CompleterFor, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		entities:  entities,
		completer: completer,
		logger:    logger.With("component", "llm_processor"),
	}
}

// Process implements the job contract. A missing entity is fatal and must
// not be retried. A malformed response pushes the entity to its configured
// error state before the failure is surfaced.
func (p *Processor) Process(ctx context.Context, req *ProcessRequest) error {
	if req.EntityType == "" || req.EntityID == "" {
		return domain.NewValidationError("process requires entityType and entityId", nil)
	}
	if req.Template == "" {
		return domain.NewValidationError("process requires a prompt template", nil)
	}
	if err := req.FieldMappings.Validate(); err != nil {
		return err
	}

	entity, err := p.entities.Load(req.EntityType, req.EntityID)
	if err != nil {
		return err
	}

	prompt, err := renderPrompt(req.Template, entity, req.TemplateVariables)
	if err != nil {
		return err
	}

	completer, err := p.completer(req.ProviderID, req.Model, req.Temperature)
	if err != nil {
		return err
	}

	response, err := completer.Complete(ctx, prompt)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := xjson.Unmarshal([]byte(response), &result); err != nil {
		p.logger.Warn("llm returned malformed json, resetting entity status",
			"entity_type", req.EntityType,
			"entity_id", req.EntityID,
			"prompt_id", req.PromptID,
		)
		patch := mapping.ApplyStatus(&req.FieldMappings, nil, mapping.LifecycleError)
		if saveErr := p.persist(req, entity, patch); saveErr != nil {
			return saveErr
		}
		return domain.NewMalformedResponseError("llm response is not valid json", response)
	}

	patch := mapping.Apply(result, &req.FieldMappings, nil, p.logger)
	patch = mapping.ApplyStatus(&req.FieldMappings, patch, mapping.LifecycleCompleted)
	return p.persist(req, entity, patch)
}

func (p *Processor) persist(req *ProcessRequest, entity, patch map[string]interface{}) error {
	if err := mergo.Merge(&entity, patch, mergo.WithOverride); err != nil {
		return domain.NewInternalError("failed to merge entity patch", err)
	}
	return p.entities.Save(req.EntityType, req.EntityID, entity)
}

// HandleJob adapts Process to the worker pool's job handler shape.
func (p *Processor) HandleJob(ctx context.Context, job *domain.Job) error {
	var req ProcessRequest
	if err := xjson.Unmarshal(job.Payload, &req); err != nil {
		return domain.NewValidationError(fmt.Sprintf("invalid llm process payload: %v", err), nil)
	}
	return p.Process(ctx, &req)
}

func renderPrompt(tmpl string, entity, variables map[string]interface{}) (string, error) {
	parsed, err := template.New("prompt").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", domain.NewValidationError(fmt.Sprintf("invalid prompt template: %v", err), nil)
	}
	data := map[string]interface{}{
		"entity":    entity,
		"variables": variables,
	}
	var buf bytes.Buffer
	if err := parsed.Execute(&buf, data); err != nil {
		return "", domain.NewValidationError(fmt.Sprintf("failed to render prompt template: %v", err), nil)
	}
	return buf.String(), nil
}

// LLMProcess is the graph step wrapper around Processor. Each input record
// names an entity; one record failing does not abort its siblings.
type LLMProcess struct {
	processor *Processor
	logger    *slog.Logger
}

type llmProcessConfig struct {
	EntityType        string                 `json:"entityType"`
	IDField           string                 `json:"idField,omitempty"`
	PromptID          string                 `json:"promptId,omitempty"`
	Template          string                 `json:"template"`
	ProviderID        string                 `json:"providerId,omitempty"`
	Model             string                 `json:"model,omitempty"`
	Temperature       float64                `json:"temperature,omitempty"`
	FieldMappings     mapping.Config         `json:"fieldMappings"`
	TemplateVariables map[string]interface{} `json:"templateVariables,omitempty"`
}

func NewLLMProcess(processor *Processor, logger *slog.Logger) *LLMProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMProcess{
		processor: processor,
		logger:    logger.With("step", "llm_process"),
	}
}

func (s *LLMProcess) Name() string { return "llm_process" }

func (s *LLMProcess) Execute(ctx context.Context, config map[string]interface{}, input *domain.Envelope) (*domain.Envelope, error) {
	var cfg llmProcessConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.EntityType == "" {
		return nil, domain.NewValidationError("llm_process requires an entityType", nil)
	}
	idField := cfg.IDField
	if idField == "" {
		idField = "id"
	}

	results := make([]map[string]interface{}, 0, len(input.Items))
	failures := 0
	for _, record := range input.Items {
		value, found := mapping.LookupPath(record, idField)
		if !found {
			return nil, domain.NewValidationError("record is missing the entity id field", map[string]interface{}{
				"idField": idField,
			})
		}
		entityID := fmt.Sprint(value)

		req := &ProcessRequest{
			EntityType:        cfg.EntityType,
			EntityID:          entityID,
			PromptID:          cfg.PromptID,
			Template:          cfg.Template,
			ProviderID:        cfg.ProviderID,
			Model:             cfg.Model,
			Temperature:       cfg.Temperature,
			FieldMappings:     cfg.FieldMappings,
			TemplateVariables: cfg.TemplateVariables,
		}

		entry := map[string]interface{}{"id": entityID, "processed": true}
		if err := s.processor.Process(ctx, req); err != nil {
			failures++
			entry["processed"] = false
			entry["error"] = err.Error()
			s.logger.Warn("llm processing failed for record",
				"entity_type", cfg.EntityType,
				"entity_id", entityID,
				"error", err.Error(),
			)
		}
		results = append(results, entry)
	}

	if failures == len(input.Items) && failures > 0 {
		return nil, domain.NewInternalError(fmt.Sprintf("llm processing failed for all %d records", failures), nil)
	}

	output := domain.NewEnvelope(results)
	output.Meta = map[string]interface{}{
		"processed": len(results) - failures,
		"failed":    failures,
	}
	return output, nil
}
