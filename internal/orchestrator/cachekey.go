package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"modelgate/internal/shared"
)

const cacheKeyPrefix = "gen:v1:"

// CacheKey hashes the cacheable subset of a request. Caller metadata and the
// stream flag never take part, so the same prompt from two callers or two
// traces shares an entry.
func CacheKey(req *shared.GenerationRequest) string {
	fields := map[string]any{
		"operation": req.Operation,
		"model":     req.Model,
		"params":    req.Params,
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}
	if len(req.Inputs) > 0 {
		fields["inputs"] = req.Inputs
	}
	if req.System != "" {
		fields["system"] = req.System
	}
	if len(req.Audio) > 0 {
		sum := sha256.Sum256(req.Audio)
		fields["audio"] = hex.EncodeToString(sum[:])
		fields["audio_mime_type"] = req.AudioMIMEType
	}

	// Map keys are marshaled in sorted order and nil params are omitted.
	raw, err := json.Marshal(fields)
	if err != nil {
		// Only Extra can hold unmarshalable values; drop it rather than fail.
		p := req.Params
		p.Extra = nil
		fields["params"] = p
		raw, _ = json.Marshal(fields)
	}
	sum := sha256.Sum256(raw)
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
