package provider

import (
	"context"
)

type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	Stream      bool
}

type Response struct {
	ID         string
	Text       string
	TokensUsed int
	CostUSD    float64
	Model      string
	Provider   string
	LatencyMs  int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Client performs one model invocation against a provider API. Quota,
// credit and budget bookkeeping belong to the caller; a Client only
// reports the usage it observed.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}
