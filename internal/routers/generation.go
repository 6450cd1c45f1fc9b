package routers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"modelgate/internal/ctx"
	"modelgate/internal/errclass"
	"modelgate/internal/middleware"
	"modelgate/internal/orchestrator"
	"modelgate/internal/shared"

	"github.com/labstack/echo/v4"
)

const (
	TraceIDHeader  = "X-Trace-Id"
	FeatureHeader  = "X-Feature"
	maxRequestBody = 32 << 20
	// generation_outcome.request_id is VARCHAR(64)
	maxRequestIDLength = 64
)

type generateFunc func(context.Context, *shared.GenerationRequest) (*shared.GenerationResponse, error)

type GenerationRouter struct {
	orch *orchestrator.Orchestrator
}

func RegisterGenerationRoutes(e *echo.Group, orch *orchestrator.Orchestrator, auth *middleware.Auth) {
	gr := GenerationRouter{orch: orch}

	requireCaller := e.Group("/v1", auth.ExtractCaller, auth.RequireCaller)
	requireCaller.POST("/generate/text", gr.Text)
	requireCaller.POST("/generate/object", gr.Object)
	requireCaller.POST("/generate/image", gr.Image)
	requireCaller.POST("/generate/embedding", gr.Embedding)
	requireCaller.POST("/generate/speech", gr.Speech)
	requireCaller.POST("/transcribe", gr.Transcribe)
}

func (gr *GenerationRouter) Text(cc echo.Context) error {
	return gr.generate(cc, shared.OpText, gr.orch.GenerateText)
}

func (gr *GenerationRouter) Object(cc echo.Context) error {
	return gr.generate(cc, shared.OpObject, gr.orch.GenerateObject)
}

func (gr *GenerationRouter) Image(cc echo.Context) error {
	return gr.generate(cc, shared.OpImage, gr.orch.GenerateImage)
}

func (gr *GenerationRouter) Embedding(cc echo.Context) error {
	return gr.generate(cc, shared.OpEmbedding, gr.orch.GenerateEmbedding)
}

func (gr *GenerationRouter) Speech(cc echo.Context) error {
	return gr.generate(cc, shared.OpSpeech, gr.orch.GenerateSpeech)
}

// Transcribe takes the audio base64 encoded in the JSON body.
func (gr *GenerationRouter) Transcribe(cc echo.Context) error {
	return gr.generate(cc, shared.OpTranscription, gr.orch.TranscribeAudio)
}

func (gr *GenerationRouter) generate(cc echo.Context, op shared.OperationKind, fn generateFunc) error {
	c := cc.(*ctx.Context)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody+1))
	if err != nil {
		c.LogValues.AddError(err)
		return sendError(c, shared.ErrInvalidRequest)
	}
	if len(body) > maxRequestBody {
		return sendError(c, &shared.RequestError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Err:        errors.New("request body too large"),
		})
	}

	var req shared.GenerationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.LogValues.AddError(err)
		return sendError(c, shared.ErrInvalidRequest)
	}

	// Identity always comes from auth, never from the body. A request id
	// sent by the caller is kept as the idempotency id; otherwise the
	// tracking id is used.
	req.Metadata.CallerID = c.ActorID
	if len(req.Metadata.RequestID) > maxRequestIDLength {
		return sendError(c, &shared.RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("metadata.request_id must be at most %d characters", maxRequestIDLength),
		})
	}
	if req.Metadata.RequestID == "" {
		req.Metadata.RequestID = c.Reqid
	}
	if trace := c.Request().Header.Get(TraceIDHeader); trace != "" {
		req.Metadata.TraceID = trace
	}
	if feature := c.Request().Header.Get(FeatureHeader); feature != "" {
		req.Metadata.Feature = feature
	}

	info := &ctx.GenerationInfo{Operation: string(op), Model: req.Model}
	c.LogValues.Generation = info

	resp, err := fn(c.Request().Context(), &req)
	if err != nil {
		var cerr *errclass.Error
		if errors.As(err, &cerr) {
			info.ErrorKind = string(cerr.Class.Kind)
			info.Provider = cerr.Provider
			info.Attempts = cerr.Attempts
		}
		return sendError(c, err)
	}

	info.Provider = resp.Provider
	info.Cached = resp.Cached
	info.Attempts = resp.Attempts
	info.Cost = resp.Cost
	if len(resp.Warnings) > 0 {
		c.Log.Infow("Generation completed with warnings", "warnings", resp.Warnings)
	}
	return c.JSON(http.StatusOK, resp)
}
