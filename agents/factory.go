package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lexcodex/auditia/framework"
)

// ModelSource resolves model types to language models. The source itself
// answers for the default model.
type ModelSource interface {
	framework.LanguageModel
	Model(ctx context.Context, name string) (framework.LanguageModel, error)
}

// Factory composes tier agents from specs, models and the shared tool
// registry.
type Factory struct {
	Models    ModelSource
	Tools     *framework.ToolRegistry
	Specs     map[framework.Tier]TierSpec
	Telemetry framework.Telemetry
	Logger    zerolog.Logger
}

// NewFactory builds a factory over DefaultTierSpecs with overrides applied.
func NewFactory(models ModelSource, tools *framework.ToolRegistry, overrides map[framework.Tier]SpecOverride) (*Factory, error) {
	specs := DefaultTierSpecs()
	for tier, override := range overrides {
		spec, ok := specs[tier]
		if !ok {
			return nil, fmt.Errorf("override for unknown tier %q", tier)
		}
		specs[tier] = override.Apply(spec)
	}
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
	}
	return &Factory{
		Models: models,
		Tools:  tools,
		Specs:  specs,
		Logger: zerolog.Nop(),
	}, nil
}

// Spec returns the configuration for tier.
func (f *Factory) Spec(tier framework.Tier) (TierSpec, bool) {
	spec, ok := f.Specs[tier]
	return spec, ok
}

// Build returns an agent for tier. modelType selects a registry entry; when
// empty the tier's pinned model or the registry default is used.
func (f *Factory) Build(ctx context.Context, tier framework.Tier, modelType string) (*TierAgent, error) {
	spec, ok := f.Spec(tier)
	if !ok {
		return nil, fmt.Errorf("no spec for tier %q", tier)
	}
	if f.Models == nil {
		return nil, fmt.Errorf("%s agent: no model source", tier)
	}
	if modelType == "" {
		modelType = spec.Model
	}
	var model framework.LanguageModel = f.Models
	if modelType != "" {
		resolved, err := f.Models.Model(ctx, modelType)
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", tier, err)
		}
		model = resolved
	}
	var tools []framework.Tool
	if f.Tools != nil {
		selected, err := f.Tools.Select(spec.Tools)
		if err != nil {
			return nil, fmt.Errorf("%s agent: %w", tier, err)
		}
		tools = selected
	}
	return &TierAgent{
		Spec:      spec,
		Model:     model,
		Tools:     tools,
		Telemetry: f.Telemetry,
		Logger:    f.Logger.With().Str("agent", spec.Name).Logger(),
	}, nil
}
