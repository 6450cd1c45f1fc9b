package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgate/internal/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestOpenAI(t *testing.T, h http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test"}, zap.NewNop().Sugar())
}

func ptr[T any](v T) *T { return &v }

func TestOpenAIChatText(t *testing.T) {
	var got map[string]any
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15, "prompt_tokens_details": {"cached_tokens": 4}}
		}`)
	})

	req := &shared.GenerationRequest{
		Model:  "gpt-4o-mini",
		Prompt: "hi",
		System: "be brief",
		Params: shared.GenerationParams{
			Temperature:     ptr(0.5),
			MaxOutputTokens: ptr(64),
			TopK:            ptr(5),
			Extra:           map[string]any{"user": "abc", "temperature": 2.0},
		},
	}
	resp, err := o.Invoke(context.Background(), shared.OpText, req)
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Text)
	assert.Equal(t, "gpt-4o-mini-2024", resp.Model)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, shared.FinishStop, resp.FinishReason)
	assert.Equal(t, shared.Usage{InputTokens: 12, OutputTokens: 3, CachedInputTokens: 4, TotalTokens: 15}, resp.Usage)
	assert.Len(t, resp.Warnings, 1)

	assert.Equal(t, 0.5, got["temperature"], "typed params win over extra")
	assert.Equal(t, "abc", got["user"])
	assert.EqualValues(t, 64, got["max_tokens"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIChatObject(t *testing.T) {
	var got map[string]any
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"name\":\"x\"}"},"finish_reason":"stop"}]}`)
	})
	req := &shared.GenerationRequest{
		Model:  "gpt-4o",
		Prompt: "give me a name",
		Params: shared.GenerationParams{
			Schema:     json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`),
			SchemaName: "person",
		},
	}
	resp, err := o.Invoke(context.Background(), shared.OpObject, req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(resp.Object))

	rf := got["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
	assert.Equal(t, "person", rf["json_schema"].(map[string]any)["name"])
}

func TestOpenAIChatObjectInvalidJSON(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"not json"},"finish_reason":"stop"}]}`)
	})
	_, err := o.Invoke(context.Background(), shared.OpObject, &shared.GenerationRequest{Model: "m", Prompt: "p"})
	require.ErrorIs(t, err, shared.ErrProviderRead)
}

func TestOpenAIChatStream(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"model":"gpt-4o","choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo","tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\"}"}}]},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`[DONE]`,
		}
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
			w.(http.Flusher).Flush()
		}
	})
	resp, err := o.Invoke(context.Background(), shared.OpText, &shared.GenerationRequest{Model: "gpt-4o", Prompt: "p", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, shared.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, uint64(7), resp.Usage.TotalTokens)
	assert.Positive(t, resp.TimeToFirstToken)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIChatEstimatesMissingUsage(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"hi there"}}]}`)
	})
	req := &shared.GenerationRequest{Model: "m", Prompt: "say hello", System: "be brief"}
	resp, err := o.Invoke(context.Background(), shared.OpText, req)
	require.NoError(t, err)

	in := uint64(shared.EstimateTokens("be brief") + shared.EstimateTokens("say hello"))
	out := uint64(shared.EstimateTokens("hi there"))
	assert.Equal(t, shared.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}, resp.Usage)
	assert.Contains(t, resp.Warnings, usageEstimatedWarning)
}

func TestOpenAIChatStreamEstimatesMissingUsage(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"streamed words\"},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n\n")
	})
	resp, err := o.Invoke(context.Background(), shared.OpText, &shared.GenerationRequest{Model: "m", Prompt: "p", Stream: true})
	require.NoError(t, err)
	assert.Equal(t, "streamed words", resp.Text)
	assert.Equal(t, uint64(shared.EstimateTokens("streamed words")), resp.Usage.OutputTokens)
	assert.Positive(t, resp.Usage.InputTokens)
	assert.Contains(t, resp.Warnings, usageEstimatedWarning)
}

func TestOpenAIChatStreamMissingDone(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
	})
	_, err := o.Invoke(context.Background(), shared.OpText, &shared.GenerationRequest{Model: "m", Prompt: "p", Stream: true})
	require.ErrorIs(t, err, shared.ErrMissingDoneToken)
}

func TestOpenAIUpstreamError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    string
		body      string
		wantCode  string
		wantMsg   string
		wantRetry time.Duration
	}{
		{
			name:      "rate limit with retry after",
			status:    429,
			header:    "7",
			body:      `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			wantCode:  "rate_limit_exceeded",
			wantMsg:   "Rate limit reached",
			wantRetry: 7 * time.Second,
		},
		{
			name:     "numeric code",
			status:   400,
			body:     `{"error":{"message":"bad","type":"invalid_request_error","code":400}}`,
			wantCode: "400",
			wantMsg:  "bad",
		},
		{
			name:    "plain body",
			status:  502,
			body:    "upstream connect error",
			wantMsg: "upstream connect error",
		},
		{
			name:    "empty body",
			status:  503,
			wantMsg: "Service Unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := o.Invoke(context.Background(), shared.OpText, &shared.GenerationRequest{Model: "m", Prompt: "p"})
			var uerr *shared.UpstreamError
			require.ErrorAs(t, err, &uerr)
			assert.Equal(t, tt.status, uerr.StatusCode)
			assert.Equal(t, tt.wantCode, uerr.Code)
			assert.Equal(t, tt.wantMsg, uerr.Message)
			assert.Equal(t, tt.wantRetry, uerr.RetryAfter)
			assert.Equal(t, "openai", uerr.Provider)
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 1500*time.Millisecond, parseRetryAfter("1.5", now))
	assert.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestOpenAIEmbeddingsKeepInputOrder(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var body embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a", "b"}, body.Input)
		assert.Equal(t, 3, *body.Dimensions)
		_, _ = io.WriteString(w, `{"data":[{"index":1,"embedding":[2,2,2]},{"index":0,"embedding":[1,1,1]}],"usage":{"prompt_tokens":2,"total_tokens":2}}`)
	})
	resp, err := o.Invoke(context.Background(), shared.OpEmbedding, &shared.GenerationRequest{
		Model:  "text-embedding-3-small",
		Inputs: []string{"a", "b"},
		Params: shared.GenerationParams{Dimensions: ptr(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1, 1}, {2, 2, 2}}, resp.Embeddings)
	assert.Equal(t, uint64(2), resp.Usage.InputTokens)
}

func TestOpenAIImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		var body imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1024x1024", body.Size)
		assert.Equal(t, "b64_json", body.ResponseFormat)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})
	resp, err := o.Invoke(context.Background(), shared.OpImage, &shared.GenerationRequest{
		Model:  "gpt-image-1",
		Prompt: "a cat",
		Params: shared.GenerationParams{ImageSize: "1024x1024"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Media, 1)
	assert.Equal(t, png, resp.Media[0].Data)
	assert.Equal(t, uint64(shared.EstimateTokens("a cat")), resp.Usage.InputTokens)
	assert.NotEmpty(t, resp.Warnings)
}

func TestOpenAISpeech(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var body speechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alloy", body.Voice)
		assert.Equal(t, "wav", body.ResponseFormat)
		_, _ = w.Write([]byte("RIFF"))
	})
	resp, err := o.Invoke(context.Background(), shared.OpSpeech, &shared.GenerationRequest{
		Model:  "tts-1",
		Prompt: "hello",
		Params: shared.GenerationParams{AudioFormat: "wav"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Media, 1)
	assert.Equal(t, []byte("RIFF"), resp.Media[0].Data)
	assert.NotEmpty(t, resp.Media[0].MIMEType)
}

func TestOpenAITranscription(t *testing.T) {
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "audio.wav", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("audio-bytes"), data)
		_, _ = io.WriteString(w, `{"text":"hello world"}`)
	})
	resp, err := o.Invoke(context.Background(), shared.OpTranscription, &shared.GenerationRequest{
		Model:         "whisper-1",
		Audio:         []byte("audio-bytes"),
		AudioMIMEType: "audio/wav",
		Params:        shared.GenerationParams{Language: "en"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, uint64(shared.EstimateTokens("hello world")), resp.Usage.OutputTokens)
}

func TestOpenAIProbe(t *testing.T) {
	var down atomic.Bool
	o := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/models", r.URL.Path)
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	})
	require.NoError(t, o.Probe(context.Background()))
	down.Store(true)
	require.Error(t, o.Probe(context.Background()))
}

func TestOpenAIReusesClientPerHost(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{}, zap.NewNop().Sugar())
	a := o.client("https://api.example.com/v1/chat/completions")
	b := o.client("https://api.example.com/v1/embeddings")
	c := o.client("https://other.example.com/v1/embeddings")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
