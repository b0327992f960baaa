package target

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/seantiz/redteam/internal/apperr"
	"github.com/seantiz/redteam/internal/model"
)

// Factory builds a Provider for a target descriptor. It must fail before any
// network call when the descriptor lacks a field the kind requires.
type Factory func(t model.Target, opts Options) (Provider, error)

// Info describes a registered target kind.
type Info struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Default     bool   `json:"default,omitempty"`
}

type registration struct {
	factory     Factory
	description string
}

// Registry maps endpoint kinds to provider factories. Kinds are matched
// case-insensitively; unknown or empty kinds use the fallback kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]registration
	fallback  string
	opts      Options
}

// NewRegistry creates an empty registry whose factories receive opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		factories: make(map[string]registration),
		opts:      opts,
	}
}

// NewDefaultRegistry returns a registry with the built-in kinds. The bare
// chat endpoint is the fallback.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	r.Register(model.TargetCustomQA, "retrieval-backed question answering endpoint", NewRAG)
	r.Register(model.TargetAzureOpenAI, "Azure OpenAI chat completions deployment", NewAzure)
	r.Register(model.TargetChat, "streaming chat endpoint (Ollama /api/chat)", NewChat)
	r.SetFallback(model.TargetChat)
	return r
}

func canonicalKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

// Register adds a factory under kind, replacing any previous one.
func (r *Registry) Register(kind, description string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[canonicalKind(kind)] = registration{factory: f, description: description}
}

// SetFallback selects the kind used for unregistered endpoint types.
func (r *Registry) SetFallback(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = canonicalKind(kind)
}

// Resolve builds the provider for t. Construction failures are
// configuration errors.
func (r *Registry) Resolve(t model.Target) (Provider, error) {
	kind := canonicalKind(t.EndpointType)

	r.mu.RLock()
	reg, ok := r.factories[kind]
	if !ok {
		reg, ok = r.factories[r.fallback]
		kind = r.fallback
	}
	r.mu.RUnlock()

	if !ok {
		return nil, apperr.Configurationf("no provider registered for target kind %q", t.EndpointType)
	}

	p, err := reg.factory(t, r.opts)
	if err != nil {
		if apperr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperr.Wrap(err, apperr.CodeConfiguration, fmt.Sprintf("build %s provider", kind))
	}
	return p, nil
}

// List returns the registered kinds sorted by name for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.factories))
	for kind, reg := range r.factories {
		infos = append(infos, Info{
			Kind:        kind,
			Description: reg.description,
			Default:     kind == r.fallback,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
