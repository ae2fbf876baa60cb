package routing

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/bons-ai/router/internal/provider"
	"github.com/bons-ai/router/internal/provider/googleai"
	"github.com/bons-ai/router/internal/provider/openrouter"
	"github.com/bons-ai/router/internal/provider/vertex"
	"github.com/bons-ai/router/internal/quota"
	"github.com/bons-ai/router/internal/variant"
)

type mockClient struct {
	name   string
	err    error
	text   string
	tokens int
	cost   float64
	calls  int
}

func (m *mockClient) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &provider.Response{
		Text:       m.text,
		TokensUsed: m.tokens,
		CostUSD:    m.cost,
		Model:      req.Model,
		Provider:   m.name,
	}, nil
}

func (m *mockClient) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan *provider.Chunk, 2)
	ch <- &provider.Chunk{Delta: m.text}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (m *mockClient) Name() string { return m.name }

type fixture struct {
	enhanced *Enhanced
	pool     *quota.AccountPool
	credits  *quota.CreditBalance
	budget   *quota.Budget
	google   *mockClient
	vertexC  *mockClient
	openR    *mockClient
}

func setup(t *testing.T, credits float64) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pool := quota.NewAccountPoolAt([]*quota.Account{
		{ID: "g1", Name: "primary", DailyQuota: 1_000_000, LastReset: now, Active: true},
		{ID: "g2", Name: "secondary", DailyQuota: 1_000_000, LastReset: now, Active: true},
	}, clock)
	cb := quota.NewCreditBalanceAt(credits, clock)
	budget := quota.NewBudgetAt(5.0, 50.0, clock)

	engine := NewEngine(DefaultModels(now), pool, cb, budget)
	engine.now = clock

	g := &mockClient{name: googleai.Name, text: "google says hi", tokens: 30}
	v := &mockClient{name: vertex.Name, text: "vertex says hi", tokens: 40, cost: 0.05}
	o := &mockClient{name: openrouter.Name, text: "openrouter says hi", tokens: 50, cost: 0.01}

	set := ProviderSet{
		Google:     map[string]provider.Client{"g1": g, "g2": g},
		Vertex:     v,
		OpenRouter: o,
	}

	catalog := variant.NewCatalog()
	tracer := noop.NewTracerProvider().Tracer("test")
	enh := NewEnhanced(engine, catalog, set, pool, cb, budget, tracer)
	enh.now = clock

	return &fixture{enhanced: enh, pool: pool, credits: cb, budget: budget, google: g, vertexC: v, openR: o}
}

func TestRoute_SimpleStaysFree(t *testing.T) {
	f := setup(t, 300)

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Provider != googleai.Name {
		t.Errorf("Expected free google provider for simple, got %s", resp.Provider)
	}
	if resp.CostUSD != 0 {
		t.Errorf("Simple request must cost 0, got %f", resp.CostUSD)
	}
	if resp.Reasoning == "" {
		t.Error("Expected a reasoning string")
	}
	if len(resp.FallbacksUsed) != 0 {
		t.Errorf("Primary success must not report fallbacks, got %v", resp.FallbacksUsed)
	}
}

func TestRoute_ComplexWithDepletedCreditsSkipsVertex(t *testing.T) {
	f := setup(t, 0)

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Model != "deepseek/deepseek-chat" {
		t.Errorf("Expected heavy-compute model with credits at 0, got %s", resp.Model)
	}
	if f.vertexC.calls != 0 {
		t.Error("Vertex must not be invoked with zero credits")
	}
}

func TestRoute_AllProvidersDownYieldsEmergency(t *testing.T) {
	f := setup(t, 300)
	boom := errors.New("provider down")
	f.google.err = boom
	f.vertexC.err = boom
	f.openR.err = boom

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple})
	if err != nil {
		t.Fatalf("Route must never error on provider failure, got %v", err)
	}
	if resp.Provider != EmergencyProvider {
		t.Errorf("Expected %s, got %s", EmergencyProvider, resp.Provider)
	}
	if resp.CostUSD != 0 || resp.TokensUsed != 0 {
		t.Errorf("Emergency response must be free, got cost=%f tokens=%d", resp.CostUSD, resp.TokensUsed)
	}
	if resp.Text != EmergencyMessage {
		t.Errorf("Expected fixed emergency message, got %q", resp.Text)
	}

	want := []string{googleai.Name, googleai.Name, vertex.Name, openrouter.Name, openrouter.Name}
	if len(resp.FallbacksUsed) != len(want) {
		t.Fatalf("Expected %v attempted, got %v", want, resp.FallbacksUsed)
	}
	for i := range want {
		if resp.FallbacksUsed[i] != want[i] {
			t.Errorf("Expected chain order %v, got %v", want, resp.FallbacksUsed)
			break
		}
	}
}

func TestRoute_FallbackRecordsAttempts(t *testing.T) {
	f := setup(t, 300)
	f.google.err = errors.New("google down")

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Provider != vertex.Name {
		t.Errorf("Expected chain to resolve at vertex, got %s", resp.Provider)
	}
	// Two google chain steps failed before vertex answered.
	want := []string{googleai.Name, googleai.Name, vertex.Name}
	if len(resp.FallbacksUsed) != len(want) {
		t.Fatalf("Expected %v, got %v", want, resp.FallbacksUsed)
	}
}

func TestRoute_RateLimitCoolsDownAccount(t *testing.T) {
	f := setup(t, 300)
	f.google.err = &provider.APIError{Provider: googleai.Name, StatusCode: http.StatusTooManyRequests, Body: "quota"}

	if _, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple}); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	var limited int
	for _, a := range f.pool.Snapshot() {
		if !a.RateLimitUntil.IsZero() {
			limited++
		}
	}
	if limited == 0 {
		t.Error("Expected a 429 to put the selected account on cool-down")
	}
}

func TestRoute_UnknownVariantPropagates(t *testing.T) {
	f := setup(t, 300)

	_, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple, Variant: "nope"})
	if !errors.Is(err, variant.ErrUnknownVariant) {
		t.Errorf("Expected ErrUnknownVariant, got %v", err)
	}
}

func TestEmergencyBrake_NoPaidAfterBrake(t *testing.T) {
	f := setup(t, 300)

	f.enhanced.EmergencyBrake()
	f.enhanced.EmergencyBrake() // idempotent

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Provider == vertex.Name {
		t.Error("Paid vertex must not serve requests post-brake")
	}
	if f.vertexC.calls != 0 {
		t.Error("Vertex client must not be invoked post-brake")
	}
	if resp.CostUSD != 0 {
		t.Errorf("Post-brake routing must stay free, got %f", resp.CostUSD)
	}

	f.enhanced.ReleaseBrake()
	resp, err = f.enhanced.Route(context.Background(), &Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Provider != vertex.Name {
		t.Errorf("Expected paid routing restored after release, got %s", resp.Provider)
	}
}

func TestEmergencyBrake_AllDownStillSkipsPaidSteps(t *testing.T) {
	f := setup(t, 300)
	f.google.err = errors.New("down")
	f.openR.err = errors.New("down")
	f.enhanced.EmergencyBrake()

	resp, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if resp.Provider != EmergencyProvider {
		t.Fatalf("Expected emergency response, got %s", resp.Provider)
	}
	for _, p := range resp.FallbacksUsed {
		if p == vertex.Name {
			t.Error("Braked chain must not attempt the paid vertex step")
		}
	}
	if f.vertexC.calls != 0 {
		t.Error("Vertex client must not be invoked post-brake")
	}
}

func TestRouteCollaboration_SumsParticipantsAndSynthesis(t *testing.T) {
	f := setup(t, 300)

	// "test the code" matches the code and test groups, in that order.
	resp, err := f.enhanced.RouteCollaboration(context.Background(), &Request{Prompt: "test the code", Complexity: Simple})
	if err != nil {
		t.Fatalf("RouteCollaboration failed: %v", err)
	}

	// Two participants + one synthesis call, all served by the free
	// google mock at 30 tokens each.
	if resp.TokensUsed != 90 {
		t.Errorf("Expected 90 tokens (2 participants + synthesis), got %d", resp.TokensUsed)
	}
	if len(resp.Suggestions) != 2 {
		t.Errorf("Expected 2 collaboration participants, got %v", resp.Suggestions)
	}
	if resp.Variant != variant.DefaultVariantID {
		t.Errorf("Expected prime synthesis, got %s", resp.Variant)
	}
	if len(resp.NextSteps) == 0 {
		t.Error("Expected next-step suggestions")
	}
}

func TestRouteCollaboration_AllParticipantsFailed(t *testing.T) {
	f := setup(t, 300)
	f.google.err = errors.New("down")
	f.vertexC.err = errors.New("down")
	f.openR.err = errors.New("down")

	resp, err := f.enhanced.RouteCollaboration(context.Background(), &Request{Prompt: "test the code", Complexity: Simple})
	if err != nil {
		t.Fatalf("RouteCollaboration must not error, got %v", err)
	}
	if resp.Provider != EmergencyProvider {
		t.Errorf("Expected emergency response, got %s", resp.Provider)
	}
}

func TestStreamRoute_DeltasAndTerminalMetadata(t *testing.T) {
	f := setup(t, 300)
	f.google.text = "streamed reply"

	ch, err := f.enhanced.StreamRoute(context.Background(), &Request{Prompt: "hi", Complexity: Simple, Stream: true})
	if err != nil {
		t.Fatalf("StreamRoute failed: %v", err)
	}

	var text string
	var final *Response
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk.Response
			continue
		}
		text += chunk.Delta
	}

	if text != "streamed reply" {
		t.Errorf("Expected streamed text, got %q", text)
	}
	if final == nil {
		t.Fatal("Expected terminal chunk to carry response metadata")
	}
	if final.Provider != googleai.Name {
		t.Errorf("Expected google provider metadata, got %s", final.Provider)
	}
}

func TestStreamRoute_VertexChargesCredits(t *testing.T) {
	f := setup(t, 300)

	// Complex routes to the credit-backed vertex model.
	ch, err := f.enhanced.StreamRoute(context.Background(), &Request{Prompt: "prove this theorem", Complexity: Complex, Stream: true})
	if err != nil {
		t.Fatalf("StreamRoute failed: %v", err)
	}

	var final *Response
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk.Response
		}
	}

	if final == nil {
		t.Fatal("Expected terminal metadata")
	}
	if final.Provider != vertex.Name {
		t.Fatalf("Expected vertex to serve complex stream, got %s", final.Provider)
	}
	if final.CostUSD <= 0 {
		t.Errorf("Streamed vertex call must settle a cost, got %f", final.CostUSD)
	}
	if remaining := f.credits.Remaining(); remaining >= 300 {
		t.Errorf("Expected credits charged after streamed vertex call, got %f remaining", remaining)
	}
	if final.CreditsRemaining >= 300 {
		t.Errorf("Expected metadata to reflect charged credits, got %f", final.CreditsRemaining)
	}
}

func TestStreamRoute_UpstreamFailureDegradesToBuffered(t *testing.T) {
	f := setup(t, 300)
	f.google.err = errors.New("stream refused")

	ch, err := f.enhanced.StreamRoute(context.Background(), &Request{Prompt: "hi", Complexity: Simple, Stream: true})
	if err != nil {
		t.Fatalf("StreamRoute failed: %v", err)
	}

	var text string
	var final *Response
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Unexpected stream error: %v", chunk.Err)
		}
		if chunk.Done {
			final = chunk.Response
			continue
		}
		text += chunk.Delta
	}

	if final == nil {
		t.Fatal("Expected terminal metadata after degrade")
	}
	// The buffered path walked the fallback chain past google.
	if final.Provider != vertex.Name {
		t.Errorf("Expected degraded route to resolve at vertex, got %s", final.Provider)
	}
	if text != f.vertexC.text {
		t.Errorf("Expected full text as a single chunk, got %q", text)
	}
}

func TestAnalytics_FromHistory(t *testing.T) {
	f := setup(t, 300)

	for i := 0; i < 3; i++ {
		if _, err := f.enhanced.Route(context.Background(), &Request{Prompt: "hi", Complexity: Simple}); err != nil {
			t.Fatal(err)
		}
	}

	a := f.enhanced.RoutingAnalytics()
	if a.TotalRequests != 3 {
		t.Errorf("Expected 3 requests, got %d", a.TotalRequests)
	}
	if a.SuccessRate != 1.0 {
		t.Errorf("Expected success rate 1.0, got %f", a.SuccessRate)
	}
	if a.AverageTokens != 30 {
		t.Errorf("Expected 30 average tokens, got %f", a.AverageTokens)
	}
	if a.ProviderUsage[googleai.Name] != 3 {
		t.Errorf("Expected provider usage 3, got %v", a.ProviderUsage)
	}
	if a.VariantUsage[variant.DefaultVariantID] != 3 {
		t.Errorf("Expected prime usage 3, got %v", a.VariantUsage)
	}
}

func TestSystemStatus_HealthThresholds(t *testing.T) {
	cases := []struct {
		credits float64
		used    int64 // tokens consumed from the 2M pool
		want    string
	}{
		{300, 0, HealthExcellent},
		{150, 1_900_000, HealthGood}, // 100k quota left, credits 150 -> good bucket
		{80, 0, HealthWarning},
		{40, 1_980_000, HealthCritical},
	}

	for _, tc := range cases {
		f := setup(t, tc.credits)
		if tc.used > 0 {
			f.pool.RecordUsage("g1", min64(tc.used, 1_000_000))
			if tc.used > 1_000_000 {
				f.pool.RecordUsage("g2", tc.used-1_000_000)
			}
		}
		st := f.enhanced.SystemStatus()
		if st.Health != tc.want {
			t.Errorf("credits=%v used=%v: expected %s, got %s", tc.credits, tc.used, tc.want, st.Health)
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
