// Package catalog resolves model identifiers to descriptors.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"modelgate/internal/shared"
)

var ErrNotFound = errors.New("model not found")

type Catalog interface {
	Resolve(ctx context.Context, id string) (*shared.ModelDescriptor, error)
	List(ctx context.Context) ([]shared.ModelDescriptor, error)
}

// DefaultModels is the built in catalog used when no file or database is
// configured. Prices are USD per million tokens.
func DefaultModels() []shared.ModelDescriptor {
	text := []shared.OperationKind{shared.OpText, shared.OpObject}
	return []shared.ModelDescriptor{
		{
			ID:              "gpt-4o",
			Provider:        "openai",
			Operations:      text,
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			Pricing:         shared.Pricing{InputPerMTok: 2.5, OutputPerMTok: 10.00, CachedInputPerMTok: 1.25},
			Availability:    shared.Available,
		},
		{
			ID:              "gpt-4o-mini",
			Provider:        "openai",
			Operations:      text,
			ContextWindow:   128000,
			MaxOutputTokens: 16384,
			Pricing:         shared.Pricing{InputPerMTok: 0.15, OutputPerMTok: 0.6, CachedInputPerMTok: 0.075},
			Availability:    shared.Available,
		},
		{
			ID:              "gpt-4-turbo",
			Provider:        "openai",
			Operations:      text,
			ContextWindow:   128000,
			MaxOutputTokens: 4096,
			Pricing:         shared.Pricing{InputPerMTok: 10.00, OutputPerMTok: 30.00},
			Availability:    shared.Deprecated,
		},
		{
			ID:            "text-embedding-3-small",
			Provider:      "openai",
			Operations:    []shared.OperationKind{shared.OpEmbedding},
			ContextWindow: 8191,
			Pricing:       shared.Pricing{InputPerMTok: 0.02},
			Availability:  shared.Available,
		},
		{
			ID:            "gpt-image-1",
			Provider:      "openai",
			Operations:    []shared.OperationKind{shared.OpImage},
			ContextWindow: 32000,
			Pricing:       shared.Pricing{InputPerMTok: 5.00, OutputPerMTok: 40.00},
			Availability:  shared.Available,
		},
		{
			ID:            "tts-1",
			Provider:      "openai",
			Operations:    []shared.OperationKind{shared.OpSpeech},
			ContextWindow: 4096,
			Pricing:       shared.Pricing{InputPerMTok: 15.00},
			Availability:  shared.Available,
		},
		{
			ID:           "whisper-1",
			Provider:     "openai",
			Operations:   []shared.OperationKind{shared.OpTranscription},
			Pricing:      shared.Pricing{OutputPerMTok: 6.00},
			Availability: shared.Available,
		},
		{
			ID:              "gemini-2.5-flash",
			Provider:        "gemini",
			Operations:      text,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			Pricing:         shared.Pricing{InputPerMTok: 0.3, OutputPerMTok: 2.5, CachedInputPerMTok: 0.075},
			Availability:    shared.Available,
		},
		{
			ID:              "gemini-2.5-pro",
			Provider:        "gemini",
			Operations:      text,
			ContextWindow:   1048576,
			MaxOutputTokens: 65536,
			Pricing:         shared.Pricing{InputPerMTok: 1.25, OutputPerMTok: 10.00, CachedInputPerMTok: 0.31},
			Availability:    shared.Limited,
		},
		{
			ID:            "text-embedding-004",
			Provider:      "gemini",
			Operations:    []shared.OperationKind{shared.OpEmbedding},
			ContextWindow: 2048,
			Availability:  shared.Available,
		},
	}
}

// Static is an in memory catalog.
type Static struct {
	mu     sync.RWMutex
	models map[string]shared.ModelDescriptor
}

func NewStatic(models ...shared.ModelDescriptor) *Static {
	s := &Static{models: map[string]shared.ModelDescriptor{}}
	for _, m := range models {
		s.models[m.ID] = m
	}
	return s
}

// LoadFile reads a JSON array of model descriptors.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed reading catalog file: %w", err)
	}
	var models []shared.ModelDescriptor
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("failed parsing catalog file: %w", err)
	}
	for i, m := range models {
		if err := validate(m); err != nil {
			return nil, fmt.Errorf("catalog entry %d: %w", i, err)
		}
	}
	return NewStatic(models...), nil
}

func validate(m shared.ModelDescriptor) error {
	if m.ID == "" || m.Provider == "" {
		return errors.New("id and provider are required")
	}
	for _, op := range m.Operations {
		if !op.Valid() {
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	if m.Pricing.InputPerMTok < 0 || m.Pricing.OutputPerMTok < 0 || m.Pricing.CachedInputPerMTok < 0 {
		return errors.New("pricing must not be negative")
	}
	return nil
}

func (s *Static) Put(m shared.ModelDescriptor) error {
	if err := validate(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
	return nil
}

func (s *Static) Resolve(_ context.Context, id string) (*shared.ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &m, nil
}

func (s *Static) List(context.Context) ([]shared.ModelDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]shared.ModelDescriptor, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
