package shared

import (
	"encoding/json"
	"slices"
	"time"
)

type OperationKind string

const (
	OpText          OperationKind = "text"
	OpObject        OperationKind = "object"
	OpImage         OperationKind = "image"
	OpEmbedding     OperationKind = "embedding"
	OpSpeech        OperationKind = "speech"
	OpTranscription OperationKind = "transcription"
)

var OPERATIONS = []OperationKind{OpText, OpObject, OpImage, OpEmbedding, OpSpeech, OpTranscription}

func (o OperationKind) Valid() bool {
	return slices.Contains(OPERATIONS, o)
}

type ToolDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerationParams holds every tuning knob the gateway understands. Anything
// provider specific rides along in Extra and is forwarded untouched.
type GenerationParams struct {
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	TopK             *int              `json:"top_k,omitempty"`
	MaxOutputTokens  *int              `json:"max_output_tokens,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	Seed             *int64            `json:"seed,omitempty"`
	StopSequences    []string          `json:"stop,omitempty"`
	Tools            []ToolDeclaration `json:"tools,omitempty"`

	Schema     json.RawMessage `json:"schema,omitempty"`
	SchemaName string          `json:"schema_name,omitempty"`

	ImageSize  string `json:"image_size,omitempty"`
	ImageCount *int   `json:"image_count,omitempty"`

	Voice       string   `json:"voice,omitempty"`
	AudioFormat string   `json:"audio_format,omitempty"`
	Speed       *float64 `json:"speed,omitempty"`

	Language string `json:"language,omitempty"`

	Dimensions *int `json:"dimensions,omitempty"`

	Extra map[string]any `json:"extra,omitempty"`
}

type RequestMetadata struct {
	CallerID  string `json:"caller_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Feature   string `json:"feature,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type GenerationRequest struct {
	Operation     OperationKind    `json:"operation"`
	Model         string           `json:"model"`
	Prompt        string           `json:"prompt,omitempty"`
	Inputs        []string         `json:"inputs,omitempty"`
	Audio         []byte           `json:"audio,omitempty"`
	AudioMIMEType string           `json:"audio_mime_type,omitempty"`
	System        string           `json:"system,omitempty"`
	Params        GenerationParams `json:"params"`
	Metadata      RequestMetadata  `json:"metadata"`
	Stream        bool             `json:"stream,omitempty"`
}

type Usage struct {
	InputTokens       uint64 `json:"input_tokens"`
	OutputTokens      uint64 `json:"output_tokens"`
	CachedInputTokens uint64 `json:"cached_input_tokens,omitempty"`
	TotalTokens       uint64 `json:"total_tokens"`
}

// Total returns TotalTokens, falling back to input+output when the provider
// did not report one.
func (u Usage) Total() uint64 {
	if u.TotalTokens != 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Media struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

type GenerationResponse struct {
	Operation  OperationKind   `json:"operation"`
	Model      string          `json:"model"`
	Provider   string          `json:"provider"`
	Text       string          `json:"text,omitempty"`
	Object     json.RawMessage `json:"object,omitempty"`
	Media      []Media         `json:"media,omitempty"`
	Embeddings [][]float32     `json:"embeddings,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`

	Usage            Usage         `json:"usage"`
	Cost             float64       `json:"cost"`
	Latency          time.Duration `json:"latency"`
	TimeToFirstToken time.Duration `json:"time_to_first_token,omitempty"`
	FinishReason     FinishReason  `json:"finish_reason,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`

	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
	Cached    bool   `json:"cached"`
}
