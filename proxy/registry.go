package proxy

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var registryYAML []byte

type ModelCategory string

const (
	CategoryChat      ModelCategory = "chat"
	CategoryEmbedding ModelCategory = "embedding"
)

// ModelInfo is the compiled-in metadata for a known upstream model.
type ModelInfo struct {
	Category      ModelCategory `yaml:"category"`
	Size          int64         `yaml:"size"`
	ContextLength int           `yaml:"context_length"`
	Dimensions    int           `yaml:"dimensions"`
	ParameterSize string        `yaml:"parameter_size"`
}

// ModelRegistry is the read-only table of known models and aliases. It is
// built once at startup from the embedded registry.yaml and never mutated,
// so it is safe for concurrent use without locking.
type ModelRegistry struct {
	models  map[string]ModelInfo
	aliases map[string]string
}

type registryFile struct {
	Models  map[string]ModelInfo `yaml:"models"`
	Aliases map[string]string    `yaml:"aliases"`
}

func NewModelRegistry() (*ModelRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(registryYAML, &file); err != nil {
		return nil, fmt.Errorf("parsing embedded model registry: %w", err)
	}

	for id, info := range file.Models {
		if info.Category != CategoryChat && info.Category != CategoryEmbedding {
			return nil, fmt.Errorf("model %s has unknown category %q", id, info.Category)
		}
	}
	for alias, target := range file.Aliases {
		if _, ok := file.Models[target]; !ok {
			return nil, fmt.Errorf("alias %s points at unknown model %s", alias, target)
		}
	}

	return &ModelRegistry{
		models:  file.Models,
		aliases: file.Aliases,
	}, nil
}

// Category returns the model's category when the model is known.
func (r *ModelRegistry) Category(id string) (ModelCategory, bool) {
	info, ok := r.models[id]
	return info.Category, ok
}

// Size returns the registered size in bytes. ok is false for unknown
// models and for known models without a size estimate.
func (r *ModelRegistry) Size(id string) (int64, bool) {
	info, ok := r.models[id]
	if !ok || info.Size == 0 {
		return 0, false
	}
	return info.Size, true
}

func (r *ModelRegistry) ContextLength(id string) (int, bool) {
	info, ok := r.models[id]
	if !ok || info.ContextLength == 0 {
		return 0, false
	}
	return info.ContextLength, true
}

func (r *ModelRegistry) Dimensions(id string) (int, bool) {
	info, ok := r.models[id]
	if !ok || info.Dimensions == 0 {
		return 0, false
	}
	return info.Dimensions, true
}

// Included reports whether the id is in the known set: a registered model
// or the target of an alias. Known models bypass the exclusion keywords
// when the tags listing is filtered.
func (r *ModelRegistry) Included(id string) bool {
	if _, ok := r.models[id]; ok {
		return true
	}
	for _, target := range r.aliases {
		if target == id {
			return true
		}
	}
	return false
}

// ResolveAlias maps an Ollama-style model name to its upstream id. Names
// without an alias entry pass through unchanged.
func (r *ModelRegistry) ResolveAlias(name string) string {
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// ParameterSize returns the human readable parameter count for known
// models, "Unknown" otherwise.
func (r *ModelRegistry) ParameterSize(id string) string {
	if info, ok := r.models[id]; ok && info.ParameterSize != "" {
		return info.ParameterSize
	}
	return "Unknown"
}
