package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/bons-ai/router/internal/quota"
)

func testEngine(t *testing.T, credits float64, dailyBudget float64) (*Engine, *quota.CreditBalance, *quota.Budget) {
	t.Helper()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pool := quota.NewAccountPoolAt([]*quota.Account{
		{ID: "g1", DailyQuota: 1_000_000, LastReset: now, Active: true},
	}, clock)
	cb := quota.NewCreditBalanceAt(credits, clock)
	budget := quota.NewBudgetAt(dailyBudget, 50.0, clock)

	e := NewEngine(DefaultModels(now), pool, cb, budget)
	e.now = clock
	return e, cb, budget
}

func TestSelect_SimpleGoesToUnlimitedFree(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)

	sel, err := e.Select(&Request{Prompt: "hi", Complexity: Simple})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "gemini-2.0-flash" {
		t.Errorf("Expected unlimited free model, got %s", sel.ModelID)
	}
	if sel.Tier != TierFree {
		t.Errorf("Simple request must never land on a paid tier, got %s", sel.Tier)
	}
	if sel.Reasoning == "" {
		t.Error("Every selection must carry a reasoning string")
	}
}

func TestSelect_MediumRotatesFreePro(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)

	sel, err := e.Select(&Request{Prompt: "summarize this document set", Complexity: Medium})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if !strings.Contains(sel.ModelID, "pro") || sel.Tier != TierFree {
		t.Errorf("Expected free Pro model, got %s (%s)", sel.ModelID, sel.Tier)
	}
}

func TestSelect_ComplexPrefersCredits(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)

	sel, err := e.Select(&Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "vertex-gemini-pro" {
		t.Errorf("Expected credit-backed vertex model, got %s", sel.ModelID)
	}
}

func TestSelect_ComplexSkipsDepletedCredits(t *testing.T) {
	e, _, _ := testEngine(t, 0, 5)

	sel, err := e.Select(&Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "deepseek/deepseek-chat" {
		t.Errorf("Expected heavy-compute layer after credit skip, got %s", sel.ModelID)
	}
}

func TestSelect_StudioLayerRespectsEarlierLayers(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)

	// Medium hits the Pro rotation before the code-studio layer.
	sel, err := e.Select(&Request{Prompt: "x", Complexity: Medium, Studio: "code"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "gemini-1.5-pro" {
		t.Errorf("Expected Pro rotation to win for medium, got %s", sel.ModelID)
	}

	// Simple with the unlimited tier gone falls through to the studio
	// layer and lands on the heavy-compute model.
	for _, m := range e.models {
		if m.Tier == TierFree && m.DailyQuota >= 1_000_000 {
			m.Available = false
		}
	}
	sel, err = e.Select(&Request{Prompt: "x", Complexity: Simple, Studio: "code"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "deepseek/deepseek-chat" {
		t.Errorf("Expected code studio to prefer DeepSeek, got %s", sel.ModelID)
	}
}

func TestSelect_BudgetCeilingDowngradesToFree(t *testing.T) {
	e, _, budget := testEngine(t, 0, 5)
	budget.Record(5.0) // daily ceiling reached

	sel, err := e.Select(&Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Tier != TierFree {
		t.Errorf("Expected free-tier downgrade with credits gone and budget at ceiling, got %s (%s)", sel.ModelID, sel.Tier)
	}
}

func TestSelect_UnknownComplexityRejected(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)

	if _, err := e.Select(&Request{Prompt: "x", Complexity: Complexity("heroic")}); err == nil {
		t.Error("Expected error for unknown complexity")
	}
}

func TestSelect_NoCandidates(t *testing.T) {
	e, _, _ := testEngine(t, 0, 5)
	e.SetPaidAvailability(false)
	for _, m := range e.models {
		m.Available = false
	}

	if _, err := e.Select(&Request{Prompt: "x", Complexity: Simple}); err == nil {
		t.Error("Expected error with every model unavailable")
	}
}

func TestRecordUsage_AndDailyReset(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	clock := &now
	pool := quota.NewAccountPoolAt(nil, func() time.Time { return *clock })
	e := NewEngine(DefaultModels(now), pool, quota.NewCreditBalanceAt(10, func() time.Time { return *clock }), quota.NewBudgetAt(5, 50, func() time.Time { return *clock }))
	e.now = func() time.Time { return *clock }

	e.RecordUsage("gemini-1.5-pro", 40_000)
	sel, err := e.Select(&Request{Prompt: strings.Repeat("a", 40_000), Complexity: Medium})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	// 40k prompt chars estimate to 20k tokens; gemini-1.5-pro has only
	// 10k left so the Pro layer cannot serve it.
	if sel.ModelID == "gemini-1.5-pro" {
		t.Error("Expected quota headroom filter to exclude the exhausted Pro model")
	}

	next := now.Add(24 * time.Hour)
	clock = &next
	sel, err = e.Select(&Request{Prompt: strings.Repeat("a", 40_000), Complexity: Medium})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.ModelID != "gemini-1.5-pro" {
		t.Errorf("Expected daily reset to restore the Pro model, got %s", sel.ModelID)
	}
}

func TestSetPaidAvailability(t *testing.T) {
	e, _, _ := testEngine(t, 300, 5)
	e.SetPaidAvailability(false)

	sel, err := e.Select(&Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Tier != TierFree {
		t.Errorf("Expected only free models after paid disable, got %s (%s)", sel.ModelID, sel.Tier)
	}

	e.SetPaidAvailability(true)
	sel, err = e.Select(&Request{Prompt: "prove this theorem", Complexity: Complex})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if sel.Tier != TierPaid {
		t.Errorf("Expected paid tier restored after re-enable, got %s", sel.ModelID)
	}
}
