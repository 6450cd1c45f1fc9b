package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"modelgate/internal/errclass"
	"modelgate/internal/shared"
)

const (
	maxOutputTokensLimit = 1_000_000
	maxStopSequences     = 16
	maxImageCount        = 10
)

// Validate checks required fields and parameter bounds. Every problem is
// reported at once, wrapped in errclass.ErrValidationFailed.
func Validate(req *shared.GenerationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", errclass.ErrValidationFailed)
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !req.Operation.Valid() {
		add("unknown operation %q", req.Operation)
	}
	if strings.TrimSpace(req.Model) == "" {
		add("model is required")
	}

	switch req.Operation {
	case shared.OpText, shared.OpObject, shared.OpImage, shared.OpSpeech:
		if strings.TrimSpace(req.Prompt) == "" {
			add("prompt is required for %s", req.Operation)
		}
	case shared.OpEmbedding:
		if strings.TrimSpace(req.Prompt) == "" && len(req.Inputs) == 0 {
			add("prompt or inputs is required for embedding")
		}
		for i, in := range req.Inputs {
			if in == "" {
				add("inputs[%d] is empty", i)
			}
		}
	case shared.OpTranscription:
		if len(req.Audio) == 0 {
			add("audio is required for transcription")
		}
	}

	p := req.Params
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		add("temperature must be within [0, 2], got %v", *p.Temperature)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		add("top_p must be within [0, 1], got %v", *p.TopP)
	}
	if p.TopK != nil && *p.TopK < 1 {
		add("top_k must be at least 1, got %d", *p.TopK)
	}
	if p.MaxOutputTokens != nil && (*p.MaxOutputTokens < 1 || *p.MaxOutputTokens > maxOutputTokensLimit) {
		add("max_output_tokens must be within [1, %d], got %d", maxOutputTokensLimit, *p.MaxOutputTokens)
	}
	if p.PresencePenalty != nil && (*p.PresencePenalty < -2 || *p.PresencePenalty > 2) {
		add("presence_penalty must be within [-2, 2], got %v", *p.PresencePenalty)
	}
	if p.FrequencyPenalty != nil && (*p.FrequencyPenalty < -2 || *p.FrequencyPenalty > 2) {
		add("frequency_penalty must be within [-2, 2], got %v", *p.FrequencyPenalty)
	}
	if len(p.StopSequences) > maxStopSequences {
		add("at most %d stop sequences are allowed, got %d", maxStopSequences, len(p.StopSequences))
	}
	if p.ImageCount != nil && (*p.ImageCount < 1 || *p.ImageCount > maxImageCount) {
		add("image_count must be within [1, %d], got %d", maxImageCount, *p.ImageCount)
	}
	if p.Speed != nil && (*p.Speed < 0.25 || *p.Speed > 4) {
		add("speed must be within [0.25, 4], got %v", *p.Speed)
	}
	if p.Dimensions != nil && *p.Dimensions < 1 {
		add("dimensions must be at least 1, got %d", *p.Dimensions)
	}
	if len(p.Schema) > 0 && !json.Valid(p.Schema) {
		add("schema is not valid JSON")
	}
	for i, tool := range p.Tools {
		if tool.Name == "" {
			add("tools[%d] has no name", i)
		}
		if len(tool.Parameters) > 0 && !json.Valid(tool.Parameters) {
			add("tools[%d] parameters are not valid JSON", i)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", errclass.ErrValidationFailed, strings.Join(problems, "; "))
	}
	return nil
}
