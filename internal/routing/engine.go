package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bons-ai/router/config"
	"github.com/bons-ai/router/internal/provider"
	"github.com/bons-ai/router/internal/provider/googleai"
	"github.com/bons-ai/router/internal/provider/openrouter"
	"github.com/bons-ai/router/internal/provider/vertex"
	"github.com/bons-ai/router/internal/quota"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Model is one callable backend unit in the registry.
type Model struct {
	ID              string
	Name            string
	Provider        string
	Tier            Tier
	CostPerToken    float64 // USD, blended
	DailyQuota      int64
	UsedToday       int64
	LastReset       time.Time
	Capabilities    []string
	MaxOutputTokens int
	Available       bool
}

func (m *Model) remaining() int64 {
	return m.DailyQuota - m.UsedToday
}

// DefaultModels builds the static registry the router starts with.
func DefaultModels(now time.Time) []*Model {
	return []*Model{
		{
			ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", Provider: googleai.Name,
			Tier: TierFree, DailyQuota: 1_500_000, LastReset: now,
			Capabilities: []string{"text", "code"}, MaxOutputTokens: 8192, Available: true,
		},
		{
			ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", Provider: googleai.Name,
			Tier: TierFree, DailyQuota: 50_000, LastReset: now,
			Capabilities: []string{"text", "reasoning", "analysis"}, MaxOutputTokens: 8192, Available: true,
		},
		{
			ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", Provider: googleai.Name,
			Tier: TierFree, DailyQuota: 1_500_000, LastReset: now,
			Capabilities: []string{"text"}, MaxOutputTokens: 8192, Available: true,
		},
		{
			ID: "vertex-gemini-pro", Name: "Vertex Gemini Pro", Provider: vertex.Name,
			Tier: TierPaid, CostPerToken: config.VertexProPricePer1M / 1_000_000,
			DailyQuota: 1 << 40, LastReset: now,
			Capabilities: []string{"text", "reasoning", "analysis", "thinking"}, MaxOutputTokens: 8192, Available: true,
		},
		{
			ID: "deepseek/deepseek-chat", Name: "DeepSeek Chat", Provider: openrouter.Name,
			Tier: TierPaid, CostPerToken: (config.DeepSeekInputPricePer1M + config.DeepSeekOutputPricePer1M) / 2 / 1_000_000,
			DailyQuota: 1 << 40, LastReset: now,
			Capabilities: []string{"code", "reasoning"}, MaxOutputTokens: 8192, Available: true,
		},
		{
			ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Llama 3.3 70B (free)", Provider: openrouter.Name,
			Tier: TierFree, DailyQuota: 1 << 40, LastReset: now,
			Capabilities: []string{"text", "code"}, MaxOutputTokens: 4096, Available: true,
		},
		{
			ID: "openai/gpt-4o-mini", Name: "GPT-4o mini", Provider: openrouter.Name,
			Tier: TierPaid, CostPerToken: config.OpenRouterStandardPricePer1M / 1_000_000,
			DailyQuota: 1 << 40, LastReset: now,
			Capabilities: []string{"text", "code", "analysis"}, MaxOutputTokens: 16384, Available: true,
		},
	}
}

// Selection is the engine's verdict for one request.
type Selection struct {
	ModelID         string
	Provider        string
	Tier            Tier
	Reasoning       string
	EstimatedTokens int64
}

// Engine applies the layered primary selection policy over the model
// registry and the live quota/credit/budget state.
type Engine struct {
	mu      sync.Mutex
	models  []*Model
	pool    *quota.AccountPool
	credits *quota.CreditBalance
	budget  *quota.Budget
	now     func() time.Time
}

func NewEngine(models []*Model, pool *quota.AccountPool, credits *quota.CreditBalance, budget *quota.Budget) *Engine {
	return &Engine{models: models, pool: pool, credits: credits, budget: budget, now: time.Now}
}

// Select walks the priority layers in strict order; the first layer
// yielding a usable model wins.
func (e *Engine) Select(req *Request) (*Selection, error) {
	est := EstimateTokens(req.Prompt)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetIfNewDayLocked()

	candidates := e.eligibleLocked(est)
	if len(candidates) == 0 {
		return nil, provider.ErrNoCandidates
	}

	switch req.Complexity {
	case Simple:
		// Layer 1: simple work goes to an effectively unlimited free model.
		for _, m := range candidates {
			if m.Tier == TierFree && m.DailyQuota >= config.UnlimitedQuotaThreshold {
				return e.selection(m, est, fmt.Sprintf(
					"simple task routed to unlimited free tier: %s (%d tokens remaining today)",
					m.Name, m.remaining())), nil
			}
		}
	case Medium:
		// Layer 2: rotate free Pro models by remaining quota.
		var best *Model
		for _, m := range candidates {
			if m.Tier != TierFree || !strings.Contains(m.ID, "pro") {
				continue
			}
			if best == nil || m.remaining() > best.remaining() {
				best = m
			}
		}
		if best != nil {
			return e.selection(best, est, fmt.Sprintf(
				"medium task routed to free Pro rotation: %s (%d tokens remaining today)",
				best.Name, best.remaining())), nil
		}
	case Complex:
		// Layer 3: complex work burns metered credits while any remain.
		if e.credits.Remaining() > 0 {
			for _, m := range candidates {
				if m.Provider == vertex.Name {
					return e.selection(m, est, fmt.Sprintf(
						"complex task routed to credit-backed %s ($%.2f credits remaining)",
						m.Name, e.credits.Remaining())), nil
				}
			}
		}
	default:
		return nil, fmt.Errorf("unknown complexity %q", req.Complexity)
	}

	// Layer 4: code studio or complex work prefers the cost-optimized
	// heavy-compute model.
	if req.Studio == "code" || req.Complexity == Complex {
		for _, m := range candidates {
			if strings.Contains(m.ID, "deepseek") {
				return e.selection(m, est, fmt.Sprintf(
					"heavy-compute fallback: %s (est. $%.6f for %d tokens)",
					m.Name, float64(est)*m.CostPerToken, est)), nil
			}
		}
	}

	// Layer 5: cheapest available paid model.
	var cheapest *Model
	for _, m := range candidates {
		if m.Tier != TierPaid {
			continue
		}
		if cheapest == nil || m.CostPerToken < cheapest.CostPerToken {
			cheapest = m
		}
	}
	if cheapest != nil {
		return e.selection(cheapest, est, fmt.Sprintf(
			"cheapest paid fallback: %s at $%.2f/1M tokens",
			cheapest.Name, cheapest.CostPerToken*1_000_000)), nil
	}

	// Layer 6: absolute fallback, first model that passed the filter.
	m := candidates[0]
	return e.selection(m, est, fmt.Sprintf(
		"absolute fallback: %s (%d tokens remaining today)", m.Name, m.remaining())), nil
}

// eligibleLocked applies the availability filter: the model must be
// enabled, have quota headroom for the estimate, and its provider must
// not be at a budget ceiling. A provider over budget keeps only its
// free-tier models in play rather than failing the request.
func (e *Engine) eligibleLocked(est int64) []*Model {
	var out []*Model
	for _, m := range e.models {
		if !m.Available {
			continue
		}
		if m.UsedToday+est > m.DailyQuota {
			continue
		}
		if m.Tier == TierPaid {
			switch m.Provider {
			case openrouter.Name:
				if !e.budget.Allow(openrouter.EstimateCost(m.ID, est)) {
					continue
				}
			case vertex.Name:
				if e.credits.Remaining() <= 0 {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) selection(m *Model, est int64, reasoning string) *Selection {
	return &Selection{
		ModelID:         m.ID,
		Provider:        m.Provider,
		Tier:            m.Tier,
		Reasoning:       reasoning,
		EstimatedTokens: est,
	}
}

// RecordUsage books actual tokens against a model after a call.
func (e *Engine) RecordUsage(modelID string, tokens int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.models {
		if m.ID == modelID {
			m.UsedToday += tokens
			return
		}
	}
}

// SetPaidAvailability flips every paid-tier model's availability. Used
// by the emergency brake and its explicit release.
func (e *Engine) SetPaidAvailability(available bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.models {
		if m.Tier == TierPaid {
			m.Available = available
		}
	}
}

// Snapshot returns registry copies for status reporting.
func (e *Engine) Snapshot() []Model {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Model, len(e.models))
	for i, m := range e.models {
		out[i] = *m
	}
	return out
}

func (e *Engine) resetIfNewDayLocked() {
	now := e.now()
	for _, m := range e.models {
		if m.LastReset.Year() == now.Year() && m.LastReset.YearDay() == now.YearDay() {
			continue
		}
		m.UsedToday = 0
		m.LastReset = now
	}
}
