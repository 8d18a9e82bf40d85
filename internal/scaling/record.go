package scaling

import (
	"context"
	"time"

	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/opstatus"
)

// Record summarizes one completed scaling operation.
type Record struct {
	OperationID    string          `json:"operation_id"`
	Action         models.Action   `json:"action"`
	ClusterID      string          `json:"cluster_id"`
	Requested      []string        `json:"requested"`
	Target         int             `json:"target"`
	AdjustedTarget int             `json:"adjusted_target"`
	Result         []string        `json:"result"`
	Completed      bool            `json:"completed"`
	Steps          []opstatus.Step `json:"steps,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	Duration       time.Duration   `json:"duration"`
}

// Failed reports whether any step of the operation failed.
func (r Record) Failed() bool {
	for _, step := range r.Steps {
		if !step.OK {
			return true
		}
	}
	return false
}

// Outcome classifies the record: "converged" when the result is complete,
// "partial" when it is a strict subset of the request, "null" when a stage
// short-circuited.
func (r Record) Outcome() string {
	switch {
	case !r.Completed:
		return OutcomeNull
	case len(r.Result) < len(r.Requested):
		return OutcomePartial
	default:
		return OutcomeConverged
	}
}

const (
	OutcomeConverged = "converged"
	OutcomePartial   = "partial"
	OutcomeNull      = "null"
)

// Observer is notified after every operation.
type Observer interface {
	ObserveOperation(ctx context.Context, rec Record)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(ctx context.Context, rec Record)

// ObserveOperation calls f.
func (f ObserverFunc) ObserveOperation(ctx context.Context, rec Record) {
	f(ctx, rec)
}

type operationIDKey struct{}

// WithOperationID returns a context whose operation uses id instead of a
// generated one.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationIDFromContext returns the id set by WithOperationID, or "".
func OperationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(operationIDKey{}).(string)
	return id
}
