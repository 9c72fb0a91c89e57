package metricsource

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the backend could not produce data for a
// query: transport failure, non-success status, an undecodable response,
// or a wholly empty result. Callers treat it as "unknown", never as a
// breach or a clear.
var ErrUnavailable = errors.New("metric source unavailable")

// Sample is one label-grouped scalar returned for a query.
type Sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Source evaluates an opaque expression over a time window and returns
// label-grouped scalars. The expression format belongs to the backend.
type Source interface {
	Query(ctx context.Context, expr string, window time.Duration) ([]Sample, error)
}
