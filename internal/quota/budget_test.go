package quota

import (
	"testing"
	"time"
)

func TestBudget_AllowRejectsOverDailyCeiling(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	b := NewBudgetAt(5.0, 50.0, func() time.Time { return now })

	b.Record(4.50)
	if b.Allow(0.60) {
		t.Error("Expected rejection: 4.50 + 0.60 crosses the 5.00 daily ceiling")
	}
	if !b.Allow(0.50) {
		t.Error("Expected 0.50 to fit exactly at the ceiling")
	}
}

func TestBudget_AllowRejectsOverMonthlyCeiling(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	b := NewBudgetAt(100.0, 50.0, func() time.Time { return now })

	b.Record(49.0)
	if b.Allow(2.0) {
		t.Error("Expected rejection on monthly ceiling even with daily headroom")
	}
}

func TestBudget_DailyRollover(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	clock := &now
	b := NewBudgetAt(5.0, 50.0, func() time.Time { return *clock })

	b.Record(5.0)
	if b.Allow(0.01) {
		t.Error("Expected daily ceiling hit")
	}

	next := now.Add(24 * time.Hour)
	clock = &next
	if !b.Allow(1.0) {
		t.Error("Expected daily usage reset after day rollover")
	}
	if b.DailyRemaining() != 5.0 {
		t.Errorf("Expected full daily headroom after rollover, got %f", b.DailyRemaining())
	}
}

func TestCreditBalance_RemainingDerived(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	c := NewCreditBalanceAt(300.0, func() time.Time { return now })

	c.Charge(12.5)
	c.Charge(7.5)

	if got := c.Remaining(); got != 280.0 {
		t.Errorf("Expected remaining 280, got %f", got)
	}
	if got := c.DailySpend(); got != 20.0 {
		t.Errorf("Expected daily spend 20, got %f", got)
	}
	if got := c.MonthlySpend(); got != 20.0 {
		t.Errorf("Expected monthly spend 20, got %f", got)
	}
}
