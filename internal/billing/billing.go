package billing

import (
	"context"
	"time"
)

// RouteLog is one completed routing, persisted for usage reporting.
type RouteLog struct {
	ID            string
	RequestID     string
	CallerID      string
	Variant       string
	Provider      string
	Model         string
	TokensUsed    int
	CostUSD       float64
	FallbackCount int
	Success       bool
	Reasoning     string
	LatencyMs     int64
	CreatedAt     time.Time
}

type Store interface {
	LogRoute(ctx context.Context, log *RouteLog) error
	GetRoutesByCaller(ctx context.Context, callerID string, from, to time.Time) ([]*RouteLog, error)
	GetTotalCostByCaller(ctx context.Context, callerID string, from, to time.Time) (float64, error)
}
