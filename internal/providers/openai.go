package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"modelgate/internal/shared"

	"go.uber.org/zap"
)

type OpenAIConfig struct {
	// Name is the provider name models refer to. Defaults to "openai" and can
	// be set to e.g. "openrouter" for another OpenAI compatible endpoint.
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// StreamIdleTimeout aborts a stream that goes quiet for this long.
	StreamIdleTimeout time.Duration
}

// OpenAI talks to any OpenAI compatible HTTP API.
type OpenAI struct {
	cfg OpenAIConfig
	log *zap.SugaredLogger

	clientsMu sync.RWMutex
	clients   map[string]*http.Client
}

func NewOpenAI(cfg OpenAIConfig, log *zap.SugaredLogger) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = shared.DefaultHTTPTimeout
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = shared.DefaultStreamIdleTimeout
	}
	return &OpenAI{
		cfg:     cfg,
		log:     log.With("provider", cfg.Name),
		clients: map[string]*http.Client{},
	}
}

func (o *OpenAI) Name() string { return o.cfg.Name }

func (o *OpenAI) Invoke(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	switch op {
	case shared.OpText, shared.OpObject:
		return o.chat(ctx, op, req)
	case shared.OpImage:
		return o.image(ctx, req)
	case shared.OpEmbedding:
		return o.embed(ctx, req)
	case shared.OpSpeech:
		return o.speech(ctx, req)
	case shared.OpTranscription:
		return o.transcribe(ctx, req)
	}
	return nil, fmt.Errorf("%w: %s %s", shared.ErrOperationNotImpl, o.cfg.Name, op)
}

// Probe lists models, which is free on every OpenAI compatible API.
func (o *OpenAI) Probe(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	res, err := o.do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// client returns a pooled client for the host, creating one on first use.
func (o *OpenAI) client(rawURL string) *http.Client {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}

	o.clientsMu.RLock()
	if c, ok := o.clients[host]; ok {
		o.clientsMu.RUnlock()
		return c
	}
	o.clientsMu.RUnlock()

	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if c, ok := o.clients[host]; ok {
		return c
	}
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &http.Client{Transport: tr, Timeout: o.cfg.Timeout}
	o.clients[host] = c
	o.log.Infow("Created new HTTP client for host", "host", host)
	return c
}

// do sends r with auth and turns transport failures and non-200 answers into
// errors. On success the caller owns the body.
func (o *OpenAI) do(r *http.Request) (*http.Response, error) {
	if o.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}
	res, err := o.client(r.URL.String()).Do(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderHTTP, err)
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, shared.MaxErrorBodyBytes))
		uerr := parseUpstreamError(o.cfg.Name, res, body)
		o.log.Warnw("Request failed with non-200 status",
			"status_code", res.StatusCode,
			"path", r.URL.Path,
			"response_body", shared.Truncate(string(body), 1000),
		)
		return nil, uerr
	}
	return res, nil
}

func (o *OpenAI) postJSON(ctx context.Context, path string, body any, extra map[string]any) (*http.Response, error) {
	payload, err := encodeBody(body, extra)
	if err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	return o.do(r)
}

// encodeBody marshals body and layers extra on top for keys the typed body
// did not set.
func encodeBody(body any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return raw, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

type apiErrorBody struct {
	Error struct {
		Message string          `json:"message"`
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}

func parseUpstreamError(provider string, res *http.Response, body []byte) *shared.UpstreamError {
	uerr := &shared.UpstreamError{
		Provider:   provider,
		StatusCode: res.StatusCode,
		RetryAfter: parseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
	}
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		uerr.Message = parsed.Error.Message
		uerr.Type = parsed.Error.Type
		uerr.Code = strings.Trim(string(parsed.Error.Code), `"`)
		if uerr.Code == "null" {
			uerr.Code = ""
		}
		return uerr
	}
	uerr.Message = strings.TrimSpace(string(body))
	if uerr.Message == "" {
		uerr.Message = http.StatusText(res.StatusCode)
	}
	return uerr
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []chatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int64          `json:"seed,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []chatTool      `json:"tools,omitempty"`
	ResponseFormat   *responseFormat `json:"response_format,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
}

type chatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChoiceMessage struct {
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls"`
}

type chatUsage struct {
	PromptTokens        uint64 `json:"prompt_tokens"`
	CompletionTokens    uint64 `json:"completion_tokens"`
	TotalTokens         uint64 `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens uint64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u *chatUsage) usage() shared.Usage {
	if u == nil {
		return shared.Usage{}
	}
	out := shared.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatChoiceMessage `json:"message"`
		Delta        chatChoiceMessage `json:"delta"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

const usageEstimatedWarning = "usage not reported by provider, tokens estimated"

// estimatedUsage stands in for usage a provider did not report, so the call
// is still charged.
func estimatedUsage(req *shared.GenerationRequest, output string) shared.Usage {
	in := uint64(shared.EstimateTokens(req.System) + shared.EstimateTokens(req.Prompt))
	out := uint64(shared.EstimateTokens(output))
	return shared.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

func mapFinishReason(s string) shared.FinishReason {
	switch s {
	case "stop", "end_turn":
		return shared.FinishStop
	case "length", "max_tokens":
		return shared.FinishLength
	case "tool_calls", "function_call":
		return shared.FinishToolCalls
	case "content_filter":
		return shared.FinishContentFilter
	case "error":
		return shared.FinishError
	}
	return shared.FinishUnknown
}

func (o *OpenAI) chatBody(op shared.OperationKind, req *shared.GenerationRequest) (chatRequest, []string) {
	p := req.Params
	body := chatRequest{
		Model:            req.Model,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		MaxTokens:        p.MaxOutputTokens,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		Seed:             p.Seed,
		Stop:             p.StopSequences,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	for _, t := range p.Tools {
		body.Tools = append(body.Tools, chatTool{Type: "function", Function: chatFunction(t)})
	}

	var warnings []string
	if p.TopK != nil {
		warnings = append(warnings, fmt.Sprintf("top_k is not supported by %s and was ignored", o.cfg.Name))
	}
	if op == shared.OpObject {
		if len(p.Schema) > 0 {
			name := p.SchemaName
			if name == "" {
				name = "response"
			}
			body.ResponseFormat = &responseFormat{
				Type:       "json_schema",
				JSONSchema: &jsonSchemaFormat{Name: name, Schema: p.Schema, Strict: true},
			}
		} else {
			body.ResponseFormat = &responseFormat{Type: "json_object"}
		}
	}
	if req.Stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body, warnings
}

func (o *OpenAI) chat(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	body, warnings := o.chatBody(op, req)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	res, err := o.postJSON(ctx, "/chat/completions", body, req.Params.Extra)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var out *shared.GenerationResponse
	if req.Stream {
		out, err = o.readStream(res.Body, start, cancel)
	} else {
		out, err = o.readChat(res.Body)
	}
	if err != nil {
		return nil, err
	}
	out.Operation = op
	out.Provider = o.cfg.Name
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.Usage.Total() == 0 {
		out.Usage = estimatedUsage(req, out.Text)
		warnings = append(warnings, usageEstimatedWarning)
	}
	out.Warnings = append(out.Warnings, warnings...)
	out.Latency = time.Since(start)

	if op == shared.OpObject {
		if !json.Valid([]byte(out.Text)) {
			return nil, fmt.Errorf("%w: object output is not valid JSON", shared.ErrProviderRead)
		}
		out.Object = json.RawMessage(out.Text)
	}
	return out, nil
}

func (o *OpenAI) readChat(body io.Reader) (*shared.GenerationResponse, error) {
	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", shared.ErrProviderRead)
	}
	choice := parsed.Choices[0]
	out := &shared.GenerationResponse{
		Model:        parsed.Model,
		Text:         choice.Message.Content,
		Usage:        parsed.Usage.usage(),
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, toToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return out, nil
}

func toToolCall(id, name, args string) shared.ToolCall {
	tc := shared.ToolCall{ID: id, Name: name}
	if args != "" {
		if json.Valid([]byte(args)) {
			tc.Arguments = json.RawMessage(args)
		} else {
			tc.Arguments, _ = json.Marshal(args)
		}
	}
	return tc
}

// readStream folds an SSE chat stream into a single response. Time to first
// token is measured on the first data line; usage comes from the final chunk.
func (o *OpenAI) readStream(body io.Reader, start time.Time, cancel context.CancelFunc) (*shared.GenerationResponse, error) {
	var idleFired atomic.Bool
	idle := time.AfterFunc(o.cfg.StreamIdleTimeout, func() {
		o.log.Warnw("Stream idle timeout triggered", "idle_timeout_seconds", o.cfg.StreamIdleTimeout.Seconds())
		idleFired.Store(true)
		cancel()
	})
	defer idle.Stop()

	out := &shared.GenerationResponse{FinishReason: shared.FinishUnknown}
	var text strings.Builder
	type partialCall struct {
		id, name string
		args     strings.Builder
	}
	calls := map[int]*partialCall{}
	hasDone := false
	ttftRecorded := false

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		idle.Reset(o.cfg.StreamIdleTimeout)
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if !ttftRecorded {
			out.TimeToFirstToken = time.Since(start)
			ttftRecorded = true
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			hasDone = true
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			o.log.Warnw("Failed to parse stream chunk", "chunk", shared.Truncate(data, 200), "error", err)
			continue
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = chunk.Usage.usage()
		}
		for _, choice := range chunk.Choices {
			text.WriteString(choice.Delta.Content)
			if choice.FinishReason != "" {
				out.FinishReason = mapFinishReason(choice.FinishReason)
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &partialCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if idleFired.Load() {
			return nil, fmt.Errorf("stream idle for %s: %w", o.cfg.StreamIdleTimeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	if !hasDone {
		return nil, shared.ErrMissingDoneToken
	}

	out.Text = text.String()
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		pc := calls[i]
		out.ToolCalls = append(out.ToolCalls, toToolCall(pc.id, pc.name, pc.args.String()))
	}
	return out, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              *int   `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Usage *struct {
		InputTokens  uint64 `json:"input_tokens"`
		OutputTokens uint64 `json:"output_tokens"`
		TotalTokens  uint64 `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) image(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	start := time.Now()
	body := imageRequest{
		Model:          req.Model,
		Prompt:         req.Prompt,
		N:              req.Params.ImageCount,
		Size:           req.Params.ImageSize,
		ResponseFormat: "b64_json",
	}
	res, err := o.postJSON(ctx, "/images/generations", body, req.Params.Extra)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var parsed imageResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	out := &shared.GenerationResponse{
		Operation:    shared.OpImage,
		Model:        req.Model,
		Provider:     o.cfg.Name,
		FinishReason: shared.FinishStop,
		Latency:      time.Since(start),
	}
	for _, d := range parsed.Data {
		m := shared.Media{MIMEType: "image/png", URL: d.URL}
		if d.B64JSON != "" {
			raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
			}
			m.Data = raw
		}
		out.Media = append(out.Media, m)
	}
	if parsed.Usage != nil {
		out.Usage = shared.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	} else {
		out.Usage = shared.Usage{InputTokens: uint64(shared.EstimateTokens(req.Prompt))}
		out.Warnings = append(out.Warnings, "usage not reported by provider, input tokens estimated")
	}
	return out, nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *chatUsage `json:"usage"`
}

// embeddingInputs is Inputs when present, otherwise the prompt alone.
func embeddingInputs(req *shared.GenerationRequest) []string {
	if len(req.Inputs) > 0 {
		return req.Inputs
	}
	return []string{req.Prompt}
}

func (o *OpenAI) embed(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	start := time.Now()
	body := embeddingRequest{Model: req.Model, Input: embeddingInputs(req), Dimensions: req.Params.Dimensions}
	res, err := o.postJSON(ctx, "/embeddings", body, req.Params.Extra)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var parsed embeddingResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	out := &shared.GenerationResponse{
		Operation:    shared.OpEmbedding,
		Model:        req.Model,
		Provider:     o.cfg.Name,
		Usage:        parsed.Usage.usage(),
		FinishReason: shared.FinishStop,
		Latency:      time.Since(start),
	}
	if parsed.Model != "" {
		out.Model = parsed.Model
	}
	for _, d := range parsed.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	return out, nil
}

type speechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
}

var audioMIME = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/opus",
	"aac":  "audio/aac",
	"flac": "audio/flac",
	"wav":  "audio/wav",
	"pcm":  "audio/pcm",
}

func (o *OpenAI) speech(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	start := time.Now()
	voice := req.Params.Voice
	if voice == "" {
		voice = "alloy"
	}
	format := req.Params.AudioFormat
	if format == "" {
		format = "mp3"
	}
	body := speechRequest{
		Model:          req.Model,
		Input:          req.Prompt,
		Voice:          voice,
		ResponseFormat: format,
		Speed:          req.Params.Speed,
		Instructions:   req.System,
	}
	res, err := o.postJSON(ctx, "/audio/speech", body, req.Params.Extra)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	audio, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	mimeType := res.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = audioMIME[format]
	}
	return &shared.GenerationResponse{
		Operation:    shared.OpSpeech,
		Model:        req.Model,
		Provider:     o.cfg.Name,
		Media:        []shared.Media{{MIMEType: mimeType, Data: audio}},
		Usage:        shared.Usage{InputTokens: uint64(shared.EstimateTokens(req.Prompt))},
		FinishReason: shared.FinishStop,
		Warnings:     []string{"usage not reported by provider, input tokens estimated"},
		Latency:      time.Since(start),
	}, nil
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Usage *struct {
		InputTokens  uint64 `json:"input_tokens"`
		OutputTokens uint64 `json:"output_tokens"`
		TotalTokens  uint64 `json:"total_tokens"`
	} `json:"usage"`
}

var audioExt = map[string]string{
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/mp4":   "m4a",
	"audio/m4a":   "m4a",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/webm":  "webm",
	"audio/ogg":   "ogg",
	"audio/flac":  "flac",
}

func (o *OpenAI) transcribe(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	start := time.Now()
	ext := audioExt[req.AudioMIMEType]
	if ext == "" {
		ext = "mp3"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"model":           req.Model,
		"response_format": "json",
		"language":        req.Params.Language,
		"prompt":          req.Prompt,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if req.Params.Temperature != nil {
		if err := mw.WriteField("temperature", strconv.FormatFloat(*req.Params.Temperature, 'f', -1, 64)); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", mw.FormDataContentType())
	res, err := o.do(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var parsed transcriptionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrProviderRead, err)
	}
	out := &shared.GenerationResponse{
		Operation:    shared.OpTranscription,
		Model:        req.Model,
		Provider:     o.cfg.Name,
		Text:         parsed.Text,
		FinishReason: shared.FinishStop,
		Latency:      time.Since(start),
	}
	if parsed.Usage != nil {
		out.Usage = shared.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		}
	} else {
		out.Usage = shared.Usage{OutputTokens: uint64(shared.EstimateTokens(parsed.Text))}
		out.Warnings = append(out.Warnings, "usage not reported by provider, output tokens estimated")
	}
	return out, nil
}
