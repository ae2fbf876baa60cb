package routing

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bons-ai/router/config"
	"github.com/bons-ai/router/internal/provider"
	"github.com/bons-ai/router/internal/provider/googleai"
	"github.com/bons-ai/router/internal/provider/openrouter"
	"github.com/bons-ai/router/internal/provider/vertex"
	"github.com/bons-ai/router/internal/quota"
	"github.com/bons-ai/router/internal/variant"
)

// EmergencyMessage is the fixed text of the terminal fallback response.
const EmergencyMessage = "All AI providers are temporarily unavailable right now. Please try again in a moment - your request was not lost."

// EmergencyProvider names the synthesized terminal response source.
const EmergencyProvider = "system-fallback"

// ChainStep is one entry of the fixed-order fallback chain.
type ChainStep struct {
	ModelID  string
	Provider string
	Paid     bool
}

// DefaultChain is walked top to bottom after the primary selection
// fails. Order is part of the routing contract.
func DefaultChain() []ChainStep {
	return []ChainStep{
		{ModelID: "gemini-2.0-flash", Provider: googleai.Name},
		{ModelID: "gemini-1.5-pro", Provider: googleai.Name},
		{ModelID: "vertex-gemini-pro", Provider: vertex.Name, Paid: true},
		{ModelID: "meta-llama/llama-3.3-70b-instruct:free", Provider: openrouter.Name},
		{ModelID: "openai/gpt-4o-mini", Provider: openrouter.Name, Paid: true},
	}
}

// ProviderSet bundles the concrete clients the chain dispatches to.
// Google AI carries one client per quota account, keyed by account id.
type ProviderSet struct {
	Google     map[string]provider.Client
	Vertex     provider.Client
	OpenRouter provider.Client
}

// StreamChunk is one element of a streamed route. The terminal chunk
// carries the full response metadata alongside Done.
type StreamChunk struct {
	Delta    string
	Done     bool
	Err      error
	Response *Response
}

// Analytics summarizes the bounded routing history.
type Analytics struct {
	TotalRequests int            `json:"totalRequests"`
	SuccessRate   float64        `json:"successRate"`
	AverageCost   float64        `json:"averageCost"`
	AverageTokens float64        `json:"averageTokens"`
	ProviderUsage map[string]int `json:"providerUsage"`
	VariantUsage  map[string]int `json:"variantUsage"`
}

// Health buckets for SystemStatus.
const (
	HealthExcellent = "excellent"
	HealthGood      = "good"
	HealthWarning   = "warning"
	HealthCritical  = "critical"
)

// SystemStatus is the aggregated live provider state.
type SystemStatus struct {
	Health               string          `json:"health"`
	GoogleQuotaRemaining int64           `json:"googleQuotaRemaining"`
	GoogleAccounts       []quota.Account `json:"-"`
	VertexCredits        float64         `json:"vertexCreditsRemaining"`
	OpenRouterDailyUSD   float64         `json:"openRouterDailyRemainingUsd"`
	OpenRouterMonthlyUSD float64         `json:"openRouterMonthlyRemainingUsd"`
	Braked               bool            `json:"emergencyBrakeEngaged"`
}

// Enhanced wraps the layered engine with the fixed fallback chain,
// streaming, collaboration and system health reporting. It is the
// surface the rest of the application calls, and Route never returns an
// error for a well-formed request with a known variant.
type Enhanced struct {
	engine   *Engine
	catalog  *variant.Catalog
	set      ProviderSet
	pool     *quota.AccountPool
	credits  *quota.CreditBalance
	budget   *quota.Budget
	breakers map[string]*gobreaker.CircuitBreaker
	history  *HistoryRing
	chain    []ChainStep
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	braked bool
}

func NewEnhanced(engine *Engine, catalog *variant.Catalog, set ProviderSet,
	pool *quota.AccountPool, credits *quota.CreditBalance, budget *quota.Budget,
	tracer trace.Tracer) *Enhanced {

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range []string{googleai.Name, vertex.Name, openrouter.Name} {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}

	return &Enhanced{
		engine:   engine,
		catalog:  catalog,
		set:      set,
		pool:     pool,
		credits:  credits,
		budget:   budget,
		breakers: breakers,
		history:  NewHistoryRing(HistoryCapacity),
		chain:    DefaultChain(),
		tracer:   tracer,
		now:      time.Now,
	}
}

// Route resolves a variant, attempts the primary selection, then walks
// the fallback chain. It only errors on an unknown explicit variant;
// every other failure mode terminates in the emergency response.
func (e *Enhanced) Route(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "router.route")
	defer span.End()

	v, err := e.resolveVariant(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("variant", v.ID))

	prompt := e.catalog.BuildPrompt(v, req.Prompt, req.Context, req.History)
	est := EstimateTokens(req.Prompt)

	// Primary selection through the layered engine.
	if sel, err := e.engine.Select(req); err == nil {
		resp, callErr := e.callProvider(ctx, v, sel.ModelID, sel.Provider, prompt, est)
		if callErr == nil {
			resp.Reasoning = sel.Reasoning
			e.record(req, resp, true)
			return resp, nil
		}
		log.Printf("router: primary %s/%s failed: %v", sel.Provider, sel.ModelID, callErr)
	} else {
		log.Printf("router: primary selection failed: %v", err)
	}

	// Fixed-order fallback chain.
	var attempted []string
	for _, step := range e.chain {
		if step.Paid && e.IsBraked() {
			continue
		}
		attempted = append(attempted, step.Provider)

		resp, callErr := e.callProvider(ctx, v, step.ModelID, step.Provider, prompt, est)
		if callErr != nil {
			log.Printf("router: fallback %s/%s failed: %v", step.Provider, step.ModelID, callErr)
			continue
		}
		resp.Reasoning = fmt.Sprintf("fallback chain resolved at %s/%s after %d failed attempt(s)",
			step.Provider, step.ModelID, len(attempted)-1)
		resp.FallbacksUsed = attempted
		e.record(req, resp, true)
		return resp, nil
	}

	// Terminal state: synthesized emergency response, never an error.
	resp := &Response{
		Text:     EmergencyMessage,
		Variant:  v.ID,
		Provider: EmergencyProvider,
		Reasoning: fmt.Sprintf("all providers exhausted; attempted: %s",
			strings.Join(attempted, ", ")),
		FallbacksUsed: attempted,
	}
	e.record(req, resp, false)
	return resp, nil
}

// StreamRoute streams the primary selection's output. The consumer
// cancels by abandoning the channel (and cancelling ctx); an upstream
// failure mid-setup degrades to a buffered single-chunk reply built
// from the non-streaming path. The terminal chunk carries the response
// metadata.
func (e *Enhanced) StreamRoute(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	v, err := e.resolveVariant(req)
	if err != nil {
		return nil, err
	}

	prompt := e.catalog.BuildPrompt(v, req.Prompt, req.Context, req.History)
	est := EstimateTokens(req.Prompt)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)

		upstream, sel, accountID, err := e.openStream(ctx, v, req, prompt)
		if err != nil {
			e.degradeToBuffered(ctx, req, out)
			return
		}

		var text strings.Builder
		for chunk := range upstream {
			if chunk.Err != nil {
				log.Printf("router: stream from %s failed mid-flight: %v", sel.Provider, chunk.Err)
				e.degradeToBuffered(ctx, req, out)
				return
			}
			if chunk.Done {
				break
			}
			text.WriteString(chunk.Delta)
			select {
			case out <- StreamChunk{Delta: chunk.Delta}:
			case <-ctx.Done():
				return
			}
		}

		// No usage metadata arrives on streams; book the estimate plus
		// the observed output length. Vertex and OpenRouter prices are
		// client-side tables, so streamed calls still settle a cost.
		outTokens := int64(math.Ceil(float64(text.Len()) / 4))
		tokens := est/2 + outTokens
		var cost float64
		switch sel.Provider {
		case openrouter.Name:
			cost = openrouter.CostFor(sel.ModelID, int(est/2), int(outTokens))
		case vertex.Name:
			cost = vertex.CostFor(sel.ModelID, int(tokens))
		}
		e.bookUsage(sel.Provider, sel.ModelID, accountID, tokens, cost)

		resp := &Response{
			Text:             text.String(),
			Variant:          v.ID,
			Model:            sel.ModelID,
			Provider:         sel.Provider,
			Reasoning:        sel.Reasoning,
			TokensUsed:       int(tokens),
			CostUSD:          cost,
			QuotaRemaining:   e.pool.RemainingTotal(),
			CreditsRemaining: e.credits.Remaining(),
		}
		e.record(req, resp, true)
		select {
		case out <- StreamChunk{Done: true, Response: resp}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (e *Enhanced) openStream(ctx context.Context, v *variant.Variant, req *Request, prompt string) (<-chan *provider.Chunk, *Selection, string, error) {
	sel, err := e.engine.Select(req)
	if err != nil {
		return nil, nil, "", err
	}

	preq := &provider.Request{
		Prompt:      prompt,
		System:      v.SystemPrompt,
		Model:       sel.ModelID,
		MaxTokens:   v.MaxTokens,
		Temperature: v.Temperature,
		Stream:      true,
	}

	client, accountID, err := e.clientFor(sel.Provider, sel.EstimatedTokens)
	if err != nil {
		return nil, nil, "", err
	}
	ch, err := client.CompleteStream(ctx, preq)
	if err != nil {
		return nil, nil, "", err
	}
	return ch, sel, accountID, nil
}

// degradeToBuffered runs the non-streaming route and replays its text
// as a single chunk followed by the terminal metadata chunk.
func (e *Enhanced) degradeToBuffered(ctx context.Context, req *Request, out chan<- StreamChunk) {
	resp, err := e.Route(ctx, req)
	if err != nil {
		select {
		case out <- StreamChunk{Err: err}:
		case <-ctx.Done():
		}
		return
	}
	select {
	case out <- StreamChunk{Delta: resp.Text}:
	case <-ctx.Done():
		return
	}
	select {
	case out <- StreamChunk{Done: true, Response: resp}:
	case <-ctx.Done():
	}
}

// RouteCollaboration fans the prompt out to every matching variant,
// tolerating partial failures, then asks prime to synthesize the
// surviving answers. Reported totals cover all participant calls plus
// the synthesis call.
func (e *Enhanced) RouteCollaboration(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "router.collaborate")
	defer span.End()

	if req.Variant != "" {
		if _, err := e.catalog.Get(req.Variant); err != nil {
			return nil, err
		}
	}

	ids := e.catalog.ClassifyAll(req.Prompt)
	span.SetAttributes(attribute.Int("participants", len(ids)))

	type result struct {
		id   string
		resp *Response
	}
	results := make([]result, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			sub := *req
			sub.Variant = id
			sub.Collaborate = false
			resp, err := e.Route(ctx, &sub)
			if err != nil || resp.Provider == EmergencyProvider {
				// Failed participants are dropped, not zero-counted.
				return
			}
			results[i] = result{id: id, resp: resp}
		}(i, id)
	}
	wg.Wait()

	var (
		parts      []string
		names      []string
		tokens     int
		cost       float64
		succeeded  int
	)
	for _, r := range results {
		if r.resp == nil {
			continue
		}
		succeeded++
		v, _ := e.catalog.Get(r.id)
		names = append(names, v.Name)
		tokens += r.resp.TokensUsed
		cost += r.resp.CostUSD
		parts = append(parts, fmt.Sprintf("%s (%s):\n%s", v.Name, v.Role, r.resp.Text))
	}

	if succeeded == 0 {
		resp := &Response{
			Text:      EmergencyMessage,
			Variant:   variant.DefaultVariantID,
			Provider:  EmergencyProvider,
			Reasoning: "collaboration failed: no participant produced a response",
		}
		e.record(req, resp, false)
		return resp, nil
	}

	synth := *req
	synth.Variant = variant.DefaultVariantID
	synth.Collaborate = false
	synth.Prompt = fmt.Sprintf(
		"Synthesize the following specialist answers to %q into one coherent response:\n\n%s",
		req.Prompt, strings.Join(parts, "\n\n---\n\n"))

	synthResp, err := e.Route(ctx, &synth)
	if err != nil {
		return nil, err
	}

	synthResp.Variant = variant.DefaultVariantID
	synthResp.TokensUsed += tokens
	synthResp.CostUSD += cost
	synthResp.Suggestions = names
	synthResp.NextSteps = []string{
		"Review the synthesized answer for gaps",
		"Re-run individual specialists with narrower prompts if needed",
	}
	synthResp.Reasoning = fmt.Sprintf("collaboration of %d specialist(s) [%s] synthesized by prime; %s",
		succeeded, strings.Join(names, ", "), synthResp.Reasoning)
	return synthResp, nil
}

// SystemStatus aggregates live provider state into a health bucket
// using fixed thresholds.
func (e *Enhanced) SystemStatus() SystemStatus {
	quotaLeft := e.pool.RemainingTotal()
	creditsLeft := e.credits.Remaining()

	var health string
	switch {
	case creditsLeft < config.HealthCriticalCredits && quotaLeft < config.HealthCriticalQuota:
		health = HealthCritical
	case creditsLeft < config.HealthWarningCredits || quotaLeft < config.HealthWarningQuota:
		health = HealthWarning
	case creditsLeft < config.HealthGoodCredits || quotaLeft < config.HealthGoodQuota:
		health = HealthGood
	default:
		health = HealthExcellent
	}

	return SystemStatus{
		Health:               health,
		GoogleQuotaRemaining: quotaLeft,
		GoogleAccounts:       e.pool.Snapshot(),
		VertexCredits:        creditsLeft,
		OpenRouterDailyUSD:   e.budget.DailyRemaining(),
		OpenRouterMonthlyUSD: e.budget.MonthlyRemaining(),
		Braked:               e.IsBraked(),
	}
}

// RoutingAnalytics summarizes the bounded history ring.
func (e *Enhanced) RoutingAnalytics() Analytics {
	entries := e.history.Snapshot()
	a := Analytics{
		ProviderUsage: make(map[string]int),
		VariantUsage:  make(map[string]int),
	}
	a.TotalRequests = len(entries)
	if a.TotalRequests == 0 {
		return a
	}

	var successes int
	var cost float64
	var tokens int
	for _, entry := range entries {
		if entry.Success {
			successes++
		}
		if entry.Response != nil {
			cost += entry.Response.CostUSD
			tokens += entry.Response.TokensUsed
			a.ProviderUsage[entry.Response.Provider]++
			a.VariantUsage[entry.Response.Variant]++
		}
	}
	a.SuccessRate = float64(successes) / float64(a.TotalRequests)
	a.AverageCost = cost / float64(a.TotalRequests)
	a.AverageTokens = float64(tokens) / float64(a.TotalRequests)
	return a
}

// EmergencyBrake disables every paid-tier avenue across all providers.
// Idempotent; only ReleaseBrake (or a restart) undoes it.
func (e *Enhanced) EmergencyBrake() {
	e.mu.Lock()
	e.braked = true
	e.mu.Unlock()
	e.engine.SetPaidAvailability(false)
	log.Printf("router: emergency brake engaged, paid tiers disabled")
}

// ReleaseBrake re-enables paid tiers. A deliberate operator action,
// never triggered automatically.
func (e *Enhanced) ReleaseBrake() {
	e.mu.Lock()
	e.braked = false
	e.mu.Unlock()
	e.engine.SetPaidAvailability(true)
	log.Printf("router: emergency brake released")
}

func (e *Enhanced) IsBraked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.braked
}

// History exposes the ring for the usage surface.
func (e *Enhanced) History() []HistoryEntry {
	return e.history.Snapshot()
}

func (e *Enhanced) resolveVariant(req *Request) (*variant.Variant, error) {
	if req.Variant != "" {
		return e.catalog.Get(req.Variant)
	}
	return e.catalog.Get(e.catalog.Classify(req.Prompt))
}

// callProvider performs one guarded provider invocation and applies the
// usage bookkeeping that the clients themselves deliberately leave to
// the caller.
func (e *Enhanced) callProvider(ctx context.Context, v *variant.Variant, modelID, providerName, prompt string, est int64) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "provider.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", providerName),
		attribute.String("model", modelID),
	)

	client, accountID, err := e.clientFor(providerName, est)
	if err != nil {
		return nil, err
	}

	// OpenRouter rejects over-budget dispatches up front; the Google
	// side instead downgrades to free tier inside the engine filter.
	if providerName == openrouter.Name {
		if estCost := openrouter.EstimateCost(modelID, est); estCost > 0 && !e.budget.Allow(estCost) {
			return nil, fmt.Errorf("%w: estimated $%.6f over openrouter ceiling", provider.ErrBudgetExceeded, estCost)
		}
	}

	preq := &provider.Request{
		Prompt:      prompt,
		System:      v.SystemPrompt,
		Model:       modelID,
		MaxTokens:   v.MaxTokens,
		Temperature: v.Temperature,
	}

	cb := e.breakers[providerName]
	result, err := cb.Execute(func() (interface{}, error) {
		return client.Complete(ctx, preq)
	})
	if err != nil {
		if provider.IsRateLimited(err) && accountID != "" {
			e.pool.MarkRateLimited(accountID)
		}
		return nil, err
	}
	presp := result.(*provider.Response)

	e.bookUsage(providerName, modelID, accountID, int64(presp.TokensUsed), presp.CostUSD)
	span.SetAttributes(
		attribute.Int("tokens", presp.TokensUsed),
		attribute.Float64("cost_usd", presp.CostUSD),
	)

	return &Response{
		Text:             presp.Text,
		Variant:          v.ID,
		Model:            modelID,
		Provider:         providerName,
		TokensUsed:       presp.TokensUsed,
		CostUSD:          presp.CostUSD,
		QuotaRemaining:   e.pool.RemainingTotal(),
		CreditsRemaining: e.credits.Remaining(),
	}, nil
}

// clientFor resolves the concrete client for a provider, selecting a
// quota account for Google AI. The returned account id is empty for
// single-account providers.
func (e *Enhanced) clientFor(providerName string, est int64) (provider.Client, string, error) {
	switch providerName {
	case googleai.Name:
		acct, ok := e.pool.SelectBestAccount(est)
		if !ok {
			return nil, "", fmt.Errorf("%w: no google-ai account can absorb %d tokens", provider.ErrQuotaExhausted, est)
		}
		client, ok := e.set.Google[acct.ID]
		if !ok {
			return nil, "", fmt.Errorf("no client configured for account %s", acct.ID)
		}
		return client, acct.ID, nil
	case vertex.Name:
		if e.credits.Remaining() <= 0 {
			return nil, "", fmt.Errorf("%w: vertex credits depleted", provider.ErrQuotaExhausted)
		}
		if e.set.Vertex == nil {
			return nil, "", fmt.Errorf("vertex client not configured")
		}
		return e.set.Vertex, "", nil
	case openrouter.Name:
		if e.set.OpenRouter == nil {
			return nil, "", fmt.Errorf("openrouter client not configured")
		}
		return e.set.OpenRouter, "", nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", providerName)
	}
}

// bookUsage applies actual usage to the right ledgers. Budget ceilings
// for OpenRouter were checked before dispatch; this is the commit side.
func (e *Enhanced) bookUsage(providerName, modelID, accountID string, tokens int64, cost float64) {
	e.engine.RecordUsage(modelID, tokens)
	switch providerName {
	case googleai.Name:
		if accountID != "" {
			e.pool.RecordUsage(accountID, tokens)
		}
	case vertex.Name:
		e.credits.Charge(cost)
	case openrouter.Name:
		e.budget.Record(cost)
	}
}

// record appends to the history ring; analytics are best-effort and
// must never fail the routing call.
func (e *Enhanced) record(req *Request, resp *Response, success bool) {
	e.history.Append(HistoryEntry{
		Timestamp: e.now(),
		Request:   *req,
		Response:  resp,
		Success:   success,
	})
}
