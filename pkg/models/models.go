// Package models maps use-case aliases and per-backend defaults to concrete
// model ids. Defaults differ between the two backends because Vertex pins
// versioned model names.
package models

import (
	"strings"
	"sync"

	"github.com/gemcall/gemcall/pkg/config"
	"github.com/gemcall/gemcall/pkg/registry"
)

// Use-case aliases resolved by Registry.Resolve.
const (
	AliasChat      = "chat"
	AliasReasoning = "reasoning"
	AliasEmbedding = "embedding"
	AliasLive      = "live"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultVertexModel = "gemini-2.0-flash-001"
	defaultProModel    = "gemini-2.0-pro-exp"
	defaultEmbedModel  = "text-embedding-004"
	defaultLiveModel   = "gemini-2.0-flash-live-001"
)

// Registry resolves model names: use-case aliases first, then per-strategy
// defaults for the empty name. Concrete ids pass through untouched.
type Registry struct {
	mu       sync.RWMutex
	defaults map[string]string

	aliases *registry.BaseRegistry[string]
}

func NewRegistry() *Registry {
	r := &Registry{
		defaults: map[string]string{
			config.StrategyGemini:   defaultGeminiModel,
			config.StrategyVertexAI: defaultVertexModel,
		},
		aliases: registry.NewBaseRegistry[string](),
	}
	r.aliases.Replace(AliasChat, defaultGeminiModel)
	r.aliases.Replace(AliasReasoning, defaultProModel)
	r.aliases.Replace(AliasEmbedding, defaultEmbedModel)
	r.aliases.Replace(AliasLive, defaultLiveModel)
	return r
}

// Default returns the default model id for a strategy.
func (r *Registry) Default(strategy string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if model, ok := r.defaults[strategy]; ok {
		return model
	}
	return defaultGeminiModel
}

// SetDefault overrides the default model for a strategy.
func (r *Registry) SetDefault(strategy, model string) {
	r.mu.Lock()
	r.defaults[strategy] = model
	r.mu.Unlock()
}

// SetAlias binds or overrides a use-case alias.
func (r *Registry) SetAlias(alias, model string) {
	r.aliases.Replace(alias, model)
}

// Resolve maps name to a concrete model id: empty → strategy default,
// known alias → its target, anything else → name unchanged. A "models/"
// prefix is preserved around alias resolution.
func (r *Registry) Resolve(name, strategy string) string {
	if name == "" {
		return r.Default(strategy)
	}
	bare := strings.TrimPrefix(name, "models/")
	if model, ok := r.aliases.Get(bare); ok {
		if bare != name {
			return "models/" + model
		}
		return model
	}
	return name
}

// Aliases returns the registered aliases in registration order.
func (r *Registry) Aliases() []string {
	return r.aliases.Names()
}
