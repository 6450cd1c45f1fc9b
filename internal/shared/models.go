package shared

import "slices"

type Availability string

const (
	Available  Availability = "available"
	Limited    Availability = "limited"
	Deprecated Availability = "deprecated"
)

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMTok       float64 `json:"input_per_mtok"`
	OutputPerMTok      float64 `json:"output_per_mtok"`
	CachedInputPerMTok float64 `json:"cached_input_per_mtok"`
}

type ModelDescriptor struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Operations      []OperationKind `json:"operations"`
	ContextWindow   int             `json:"context_window"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Pricing         Pricing         `json:"pricing"`
	Availability    Availability    `json:"availability"`
}

func (m *ModelDescriptor) SupportsOperation(op OperationKind) bool {
	return m != nil && slices.Contains(m.Operations, op)
}
