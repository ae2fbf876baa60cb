package quota

import (
	"sync"
	"time"
)

// Budget enforces daily and monthly dollar ceilings independent of any
// single model's price. A dispatch that would cross either ceiling is
// rejected up front rather than reconciled after the fact.
type Budget struct {
	mu           sync.Mutex
	dailyLimit   float64
	monthlyLimit float64
	dailyUsage   float64
	monthlyUsage float64
	totalUsage   float64
	lastUpdated  time.Time
	now          func() time.Time
}

func NewBudget(dailyLimit, monthlyLimit float64) *Budget {
	return NewBudgetAt(dailyLimit, monthlyLimit, time.Now)
}

func NewBudgetAt(dailyLimit, monthlyLimit float64, now func() time.Time) *Budget {
	return &Budget{
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
		lastUpdated:  now(),
		now:          now,
	}
}

// Allow reports whether estimatedCost fits under both ceilings.
func (b *Budget) Allow(estimatedCost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	if b.dailyUsage+estimatedCost > b.dailyLimit {
		return false
	}
	if b.monthlyUsage+estimatedCost > b.monthlyLimit {
		return false
	}
	return true
}

// Record applies an actual spend after a successful call.
func (b *Budget) Record(costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	b.dailyUsage += costUSD
	b.monthlyUsage += costUSD
	b.totalUsage += costUSD
	b.lastUpdated = b.now()
}

// DailyRemaining returns the headroom under the daily ceiling.
func (b *Budget) DailyRemaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.dailyLimit - b.dailyUsage
}

// MonthlyRemaining returns the headroom under the monthly ceiling.
func (b *Budget) MonthlyRemaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.monthlyLimit - b.monthlyUsage
}

// TotalUsage returns the lifetime spend.
func (b *Budget) TotalUsage() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalUsage
}

func (b *Budget) rolloverLocked() {
	now := b.now()
	if !sameDay(b.lastUpdated, now) {
		b.dailyUsage = 0
	}
	if b.lastUpdated.Year() != now.Year() || b.lastUpdated.Month() != now.Month() {
		b.monthlyUsage = 0
	}
}
