// Package orchestrator runs every generation request through validation,
// model resolution, the response cache, the provider gateway with retries,
// cost accounting and outcome persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/catalog"
	"modelgate/internal/errclass"
	"modelgate/internal/metrics"
	"modelgate/internal/shared"
	"modelgate/internal/sink"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const anonymousActor = "anonymous"

type Gateway interface {
	Invoke(ctx context.Context, provider string, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error)
	IsHealthy(provider string) bool
}

type ResponseCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration)
}

type CostLedger interface {
	RecordCost(ctx context.Context, actor string, desc *shared.ModelDescriptor, usage shared.Usage, cached bool, requestID string) float64
}

type OutcomeSink interface {
	AddInflight(actor string)
	DoneInflight(actor string)
	AppendOutcome(o *sink.Outcome)
}

type Deps struct {
	Catalog catalog.Catalog
	Gateway Gateway
	Cache   ResponseCache
	Ledger  CostLedger
	Sink    OutcomeSink
	Log     *zap.SugaredLogger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

type Config struct {
	MaxRetries       int
	MaxBackoff       time.Duration
	CacheTTL         time.Duration
	CacheEnabled     bool
	CollapseInflight bool
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   shared.DefaultMaxRetries,
		MaxBackoff:   shared.DefaultMaxBackoff,
		CacheTTL:     shared.ResponseCacheTTL,
		CacheEnabled: true,
	}
}

type Orchestrator struct {
	catalog catalog.Catalog
	gateway Gateway
	cache   ResponseCache
	ledger  CostLedger
	sink    OutcomeSink
	log     *zap.SugaredLogger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	cfg     Config
	group   singleflight.Group
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Catalog == nil || deps.Gateway == nil || deps.Ledger == nil || deps.Log == nil {
		return nil, errors.New("orchestrator needs a catalog, gateway, ledger and logger")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	o := &Orchestrator{
		catalog: deps.Catalog,
		gateway: deps.Gateway,
		cache:   deps.Cache,
		ledger:  deps.Ledger,
		sink:    deps.Sink,
		log:     deps.Log,
		now:     deps.Now,
		sleep:   deps.Sleep,
		cfg:     cfg,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	if o.cache == nil {
		o.cfg.CacheEnabled = false
	}
	return o, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) GenerateText(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpText, req)
}

func (o *Orchestrator) GenerateObject(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpObject, req)
}

func (o *Orchestrator) GenerateImage(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpImage, req)
}

func (o *Orchestrator) GenerateEmbedding(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpEmbedding, req)
}

func (o *Orchestrator) GenerateSpeech(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpSpeech, req)
}

func (o *Orchestrator) TranscribeAudio(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	return o.executeAs(ctx, shared.OpTranscription, req)
}

func (o *Orchestrator) executeAs(ctx context.Context, op shared.OperationKind, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	if req == nil {
		return o.Execute(ctx, nil)
	}
	r := *req
	r.Operation = op
	return o.Execute(ctx, &r)
}

// call carries the per request state shared by the steps of Execute.
type call struct {
	req       *shared.GenerationRequest
	desc      *shared.ModelDescriptor
	actor     string
	requestID string
	start     time.Time
	warnings  []string
}

// Execute runs one generation request. The request is not modified.
func (o *Orchestrator) Execute(ctx context.Context, req *shared.GenerationRequest) (*shared.GenerationResponse, error) {
	if err := Validate(req); err != nil {
		ectx := errclass.Context{}
		if req != nil {
			ectx = errclass.Context{Model: req.Model, Operation: req.Operation}
		}
		return nil, errclass.Wrap(err, ectx, 0)
	}

	c := &call{
		req:       req,
		actor:     req.Metadata.CallerID,
		requestID: req.Metadata.RequestID,
		start:     o.now(),
	}
	if c.actor == "" {
		c.actor = anonymousActor
	}
	if c.requestID == "" {
		c.requestID = shared.NewRequestID()
	}

	if o.sink != nil {
		o.sink.AddInflight(c.actor)
		defer o.sink.DoneInflight(c.actor)
	}

	desc, err := o.resolve(ctx, req)
	if err != nil {
		o.fail(c, err)
		return nil, err
	}
	c.desc = desc
	c.warnings = o.warnings(req, desc)

	key := ""
	if o.cfg.CacheEnabled {
		key = CacheKey(req)
		if resp, ok := o.lookup(ctx, key); ok {
			return o.serveCached(ctx, c, resp), nil
		}
	}

	if !o.cfg.CollapseInflight || key == "" {
		resp, attempts, err := o.dispatch(ctx, c)
		if err != nil {
			o.fail(c, err)
			return nil, err
		}
		return o.deliver(c, o.settle(ctx, c, key, resp, attempts)), nil
	}

	// Identical concurrent misses share one upstream call. The leader is
	// charged; followers get a zero-cost copy like any other cache hit.
	var resp *shared.GenerationResponse
	v, err, _ := o.group.Do(key, func() (any, error) {
		r, attempts, err := o.dispatch(ctx, c)
		if err != nil {
			return nil, err
		}
		resp = o.settle(ctx, c, key, r, attempts)
		return cloneResponse(resp), nil
	})
	if err != nil {
		o.fail(c, err)
		return nil, err
	}
	if resp != nil {
		return o.deliver(c, resp), nil
	}
	return o.serveCached(ctx, c, cloneResponse(v.(*shared.GenerationResponse))), nil
}

func (o *Orchestrator) resolve(ctx context.Context, req *shared.GenerationRequest) (*shared.ModelDescriptor, error) {
	ectx := errclass.Context{Model: req.Model, Operation: req.Operation}
	desc, err := o.catalog.Resolve(ctx, req.Model)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, errclass.Wrap(fmt.Errorf("%w: %s", errclass.ErrModelNotFound, req.Model), ectx, 0)
	}
	if err != nil {
		return nil, errclass.Wrap(fmt.Errorf("failed to resolve model %s: %w", req.Model, err), ectx, 0)
	}
	ectx.Provider = desc.Provider
	if !desc.SupportsOperation(req.Operation) {
		return nil, errclass.Wrap(
			fmt.Errorf("%w: %s does not support %s", errclass.ErrUnsupportedOperation, desc.ID, req.Operation),
			ectx, 0)
	}
	return desc, nil
}

func (o *Orchestrator) warnings(req *shared.GenerationRequest, desc *shared.ModelDescriptor) []string {
	var out []string
	if !o.gateway.IsHealthy(desc.Provider) {
		out = append(out, fmt.Sprintf("provider %s is currently unhealthy, expect errors or slow responses", desc.Provider))
	}
	switch desc.Availability {
	case shared.Deprecated:
		out = append(out, fmt.Sprintf("model %s is deprecated", desc.ID))
	case shared.Limited:
		out = append(out, fmt.Sprintf("model %s has limited availability", desc.ID))
	}
	if desc.ContextWindow > 0 {
		text := req.System + req.Prompt + strings.Join(req.Inputs, "")
		if est := shared.EstimateTokens(text); est > desc.ContextWindow {
			out = append(out, fmt.Sprintf("estimated input of %d tokens exceeds the %d token context window of %s",
				est, desc.ContextWindow, desc.ID))
		}
	}
	if mot := req.Params.MaxOutputTokens; mot != nil && desc.MaxOutputTokens > 0 && *mot > desc.MaxOutputTokens {
		out = append(out, fmt.Sprintf("max_output_tokens %d exceeds the %d token limit of %s",
			*mot, desc.MaxOutputTokens, desc.ID))
	}
	return out
}

func (o *Orchestrator) lookup(ctx context.Context, key string) (*shared.GenerationResponse, bool) {
	payload, ok := o.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var resp shared.GenerationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		o.log.Warnw("Dropping unreadable cache entry", "key", key, "error", err)
		return nil, false
	}
	return &resp, true
}

// dispatch is the retry loop. It returns the number of attempts made.
func (o *Orchestrator) dispatch(ctx context.Context, c *call) (*shared.GenerationResponse, int, error) {
	ectx := errclass.Context{Provider: c.desc.Provider, Model: c.desc.ID, Operation: c.req.Operation}
	var prevDelay time.Duration
	for attempt := 0; ; attempt++ {
		resp, err := o.gateway.Invoke(ctx, c.desc.Provider, c.req.Operation, c.req)
		if err == nil {
			return resp, attempt + 1, nil
		}

		class := errclass.Classify(err, ectx)
		if !class.Retryable || attempt >= o.cfg.MaxRetries || ctx.Err() != nil {
			return nil, attempt + 1, errclass.Wrap(err, ectx, attempt+1)
		}

		delay := max(errclass.Backoff(class.RetryDelay, attempt, o.cfg.MaxBackoff), prevDelay)
		prevDelay = delay
		metrics.Retries.WithLabelValues(c.desc.ID, string(class.Kind)).Inc()
		o.log.Warnw("Retrying provider call",
			"request_id", c.requestID,
			"model", c.desc.ID,
			"provider", c.desc.Provider,
			"kind", class.Kind,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err,
		)
		if serr := o.sleep(ctx, delay); serr != nil {
			return nil, attempt + 1, errclass.Wrap(err, ectx, attempt+1)
		}
	}
}

// settle charges the request and caches the response.
func (o *Orchestrator) settle(ctx context.Context, c *call, key string, resp *shared.GenerationResponse, attempts int) *shared.GenerationResponse {
	resp.Operation = c.req.Operation
	if resp.Model == "" {
		resp.Model = c.desc.ID
	}
	if resp.Provider == "" {
		resp.Provider = c.desc.Provider
	}
	resp.Cost = o.ledger.RecordCost(ctx, c.actor, c.desc, resp.Usage, false, c.requestID)
	resp.Latency = o.now().Sub(c.start)
	resp.RequestID = c.requestID
	resp.Attempts = attempts
	resp.Cached = false

	if key != "" {
		if payload, err := json.Marshal(resp); err != nil {
			o.log.Warnw("Failed to encode response for cache", "request_id", c.requestID, "error", err)
		} else {
			o.cache.Set(ctx, key, payload, o.cfg.CacheTTL)
		}
	}
	return resp
}

// deliver attaches this request's warnings and records the outcome.
func (o *Orchestrator) deliver(c *call, resp *shared.GenerationResponse) *shared.GenerationResponse {
	resp.Warnings = append(resp.Warnings, c.warnings...)
	o.record(c, &sink.Outcome{
		Success:          true,
		Attempts:         resp.Attempts,
		Usage:            resp.Usage,
		Cost:             resp.Cost,
		Provider:         resp.Provider,
		TimeToFirstToken: resp.TimeToFirstToken,
		TotalTime:        resp.Latency,
		Response:         resp,
	})
	return resp
}

// serveCached answers from a previously produced response. It is charged
// at zero cost with zero latency and carries this request's id. The
// outcome still records the wall time spent.
func (o *Orchestrator) serveCached(ctx context.Context, c *call, resp *shared.GenerationResponse) *shared.GenerationResponse {
	resp.Cost = o.ledger.RecordCost(ctx, c.actor, c.desc, resp.Usage, true, c.requestID)
	resp.Cached = true
	resp.Latency = 0
	resp.TimeToFirstToken = 0
	resp.RequestID = c.requestID
	resp.Attempts = 0
	resp.Warnings = append(resp.Warnings, c.warnings...)

	o.log.Infow("Served from cache", "request_id", c.requestID, "actor_id", c.actor, "model", c.desc.ID)
	o.record(c, &sink.Outcome{
		Success:   true,
		Cached:    true,
		Usage:     resp.Usage,
		Provider:  resp.Provider,
		TotalTime: o.now().Sub(c.start),
		Response:  resp,
	})
	return resp
}

func (o *Orchestrator) fail(c *call, err error) {
	var cerr *errclass.Error
	if !errors.As(err, &cerr) {
		cerr = errclass.Wrap(err, errclass.Context{Model: c.req.Model, Operation: c.req.Operation}, 0)
	}
	metrics.ClassifiedErrors.WithLabelValues(c.req.Model, string(c.req.Operation), string(cerr.Class.Kind)).Inc()
	o.log.Warnw("Generation failed",
		"request_id", c.requestID,
		"actor_id", c.actor,
		"model", c.req.Model,
		"operation", c.req.Operation,
		"kind", cerr.Class.Kind,
		"attempts", cerr.Attempts,
		"error", cerr.Err,
	)
	o.record(c, &sink.Outcome{
		Success:     false,
		ErrorKind:   string(cerr.Class.Kind),
		ErrorDetail: shared.Truncate(cerr.Class.TechnicalDetails, 1024),
		Attempts:    cerr.Attempts,
		Provider:    cerr.Provider,
		TotalTime:   o.now().Sub(c.start),
	})
}

func (o *Orchestrator) record(c *call, out *sink.Outcome) {
	if o.sink == nil {
		return
	}
	out.RequestID = c.requestID
	out.ActorID = c.actor
	out.TraceID = c.req.Metadata.TraceID
	out.Feature = c.req.Metadata.Feature
	out.Operation = c.req.Operation
	out.Model = c.req.Model
	out.CreatedAt = o.now()
	out.Request = c.req
	o.sink.AppendOutcome(out)
}

func cloneResponse(r *shared.GenerationResponse) *shared.GenerationResponse {
	out := *r
	out.Warnings = append([]string(nil), r.Warnings...)
	return &out
}
