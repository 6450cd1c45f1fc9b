// Package sink batches generation outcomes per actor and persists them off
// the request path.
package sink

import (
	"context"
	"time"

	"modelgate/internal/shared"

	"go.uber.org/zap"
)

// Outcome is one finished generation attempt sequence, successful or not.
type Outcome struct {
	RequestID string               `json:"request_id"`
	ActorID   string               `json:"actor_id"`
	TraceID   string               `json:"trace_id,omitempty"`
	Feature   string               `json:"feature,omitempty"`
	Operation shared.OperationKind `json:"operation"`
	Model     string               `json:"model"`
	Provider  string               `json:"provider,omitempty"`

	Success     bool   `json:"success"`
	Cached      bool   `json:"cached"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	Attempts    int    `json:"attempts"`

	Usage shared.Usage `json:"usage"`
	Cost  float64      `json:"cost"`

	TimeToFirstToken time.Duration `json:"time_to_first_token"`
	TotalTime        time.Duration `json:"total_time"`
	CreatedAt        time.Time     `json:"created_at"`

	Request  *shared.GenerationRequest  `json:"-"`
	Response *shared.GenerationResponse `json:"-"`
}

type Store interface {
	SaveOutcomes(ctx context.Context, outcomes []*Outcome) error
}

// LogStore writes outcomes to the log. It is used when no database is
// configured.
type LogStore struct {
	Log *zap.SugaredLogger
}

func (s LogStore) SaveOutcomes(_ context.Context, outcomes []*Outcome) error {
	for _, o := range outcomes {
		s.Log.Infow("Generation outcome",
			"request_id", o.RequestID,
			"actor_id", o.ActorID,
			"operation", o.Operation,
			"model", o.Model,
			"provider", o.Provider,
			"success", o.Success,
			"cached", o.Cached,
			"error_kind", o.ErrorKind,
			"attempts", o.Attempts,
			"input_tokens", o.Usage.InputTokens,
			"output_tokens", o.Usage.OutputTokens,
			"cost", o.Cost,
			"total_time_ms", o.TotalTime.Milliseconds(),
		)
	}
	return nil
}
