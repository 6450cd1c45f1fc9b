package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"modelgate/internal/shared"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// geminiModels is the part of *genai.Models the adapter uses.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

type Gemini struct {
	models     geminiModels
	probeModel string
	log        *zap.SugaredLogger
}

// NewGemini builds a Gemini API client. probeModel is looked up by Probe.
func NewGemini(ctx context.Context, apiKey, probeModel string, log *zap.SugaredLogger) (*Gemini, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating gemini client: %w", err)
	}
	return newGemini(gc.Models, probeModel, log), nil
}

func newGemini(models geminiModels, probeModel string, log *zap.SugaredLogger) *Gemini {
	if probeModel == "" {
		probeModel = "gemini-2.5-flash"
	}
	return &Gemini{models: models, probeModel: probeModel, log: log.With("provider", "gemini")}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Invoke(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	switch op {
	case shared.OpText, shared.OpObject:
		return g.generate(ctx, op, req)
	case shared.OpEmbedding:
		return g.embed(ctx, req)
	}
	return nil, fmt.Errorf("%w: gemini %s", shared.ErrOperationNotImpl, op)
}

func (g *Gemini) Probe(ctx context.Context) error {
	_, err := g.models.Get(ctx, g.probeModel, nil)
	return err
}

func f32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	f := float32(*v)
	return &f
}

func (g *Gemini) config(op shared.OperationKind, req *shared.GenerationRequest) (*genai.GenerateContentConfig, []string, error) {
	p := req.Params
	cfg := &genai.GenerateContentConfig{
		Temperature:      f32(p.Temperature),
		TopP:             f32(p.TopP),
		PresencePenalty:  f32(p.PresencePenalty),
		FrequencyPenalty: f32(p.FrequencyPenalty),
		StopSequences:    p.StopSequences,
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if p.TopK != nil {
		k := float32(*p.TopK)
		cfg.TopK = &k
	}
	if p.MaxOutputTokens != nil {
		cfg.MaxOutputTokens = int32(*p.MaxOutputTokens)
	}
	var warnings []string
	if p.Seed != nil {
		if *p.Seed < math.MinInt32 || *p.Seed > math.MaxInt32 {
			warnings = append(warnings, fmt.Sprintf("seed %d does not fit gemini's 32 bit seed and was ignored", *p.Seed))
		} else {
			s := int32(*p.Seed)
			cfg.Seed = &s
		}
	}
	if len(p.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(p.Tools))
		for _, t := range p.Tools {
			d := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
			if len(t.Parameters) > 0 {
				var schema any
				if err := json.Unmarshal(t.Parameters, &schema); err != nil {
					return nil, nil, fmt.Errorf("tool %s parameters: %w", t.Name, err)
				}
				d.ParametersJsonSchema = schema
			}
			decls = append(decls, d)
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if op == shared.OpObject {
		cfg.ResponseMIMEType = "application/json"
		if len(p.Schema) > 0 {
			var schema any
			if err := json.Unmarshal(p.Schema, &schema); err != nil {
				return nil, nil, fmt.Errorf("response schema: %w", err)
			}
			cfg.ResponseJsonSchema = schema
		}
	}
	if len(p.Extra) > 0 {
		warnings = append(warnings, "extra params are not forwarded to gemini")
	}
	return cfg, warnings, nil
}

func mapGeminiFinish(r genai.FinishReason) shared.FinishReason {
	switch r {
	case genai.FinishReasonStop:
		return shared.FinishStop
	case genai.FinishReasonMaxTokens:
		return shared.FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return shared.FinishContentFilter
	case genai.FinishReasonMalformedFunctionCall:
		return shared.FinishError
	}
	return shared.FinishUnknown
}

func geminiUsage(m *genai.GenerateContentResponseUsageMetadata) shared.Usage {
	if m == nil {
		return shared.Usage{}
	}
	return shared.Usage{
		InputTokens:       uint64(max(m.PromptTokenCount, 0)),
		OutputTokens:      uint64(max(m.CandidatesTokenCount, 0)),
		CachedInputTokens: uint64(max(m.CachedContentTokenCount, 0)),
		TotalTokens:       uint64(max(m.TotalTokenCount, 0)),
	}
}

func (g *Gemini) generate(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	cfg, warnings, err := g.config(op, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, err
	}

	out := &shared.GenerationResponse{
		Operation:    op,
		Model:        req.Model,
		Provider:     g.Name(),
		Text:         resp.Text(),
		Usage:        geminiUsage(resp.UsageMetadata),
		FinishReason: shared.FinishUnknown,
		Warnings:     warnings,
		Latency:      time.Since(start),
	}
	if resp.UsageMetadata == nil {
		out.Usage = estimatedUsage(req, out.Text)
		out.Warnings = append(out.Warnings, usageEstimatedWarning)
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = mapGeminiFinish(resp.Candidates[0].FinishReason)
	} else if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
	}
	for _, fc := range resp.FunctionCalls() {
		args, _ := json.Marshal(fc.Args)
		out.ToolCalls = append(out.ToolCalls, shared.ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == shared.FinishStop {
		out.FinishReason = shared.FinishToolCalls
	}

	if op == shared.OpObject {
		if !json.Valid([]byte(out.Text)) {
			return nil, fmt.Errorf("%w: object output is not valid JSON", shared.ErrProviderRead)
		}
		out.Object = json.RawMessage(out.Text)
	}
	return out, nil
}

func (g *Gemini) embed(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	inputs := embeddingInputs(req)
	contents := make([]*genai.Content, 0, len(inputs))
	for _, in := range inputs {
		contents = append(contents, genai.NewContentFromText(in, genai.RoleUser))
	}
	var cfg *genai.EmbedContentConfig
	if req.Params.Dimensions != nil {
		d := int32(*req.Params.Dimensions)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &d}
	}

	start := time.Now()
	resp, err := g.models.EmbedContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, err
	}
	out := &shared.GenerationResponse{
		Operation:    shared.OpEmbedding,
		Model:        req.Model,
		Provider:     g.Name(),
		FinishReason: shared.FinishStop,
		Latency:      time.Since(start),
	}
	// The Gemini API does not report embedding usage.
	for _, in := range inputs {
		out.Usage.InputTokens += uint64(shared.EstimateTokens(in))
	}
	out.Usage.TotalTokens = out.Usage.InputTokens
	out.Warnings = append(out.Warnings, "usage not reported by provider, input tokens estimated")
	for _, e := range resp.Embeddings {
		out.Embeddings = append(out.Embeddings, e.Values)
	}
	return out, nil
}
