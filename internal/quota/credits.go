package quota

import (
	"sync"
	"time"
)

// CreditBalance is a monetary budget decremented by computed per-call
// cost. Remaining is always derived from total minus used so the two
// figures cannot drift apart.
type CreditBalance struct {
	mu           sync.Mutex
	totalCredits float64
	usedCredits  float64
	dailySpend   float64
	monthlySpend float64
	lastUpdated  time.Time
	now          func() time.Time
}

func NewCreditBalance(totalCredits float64) *CreditBalance {
	return NewCreditBalanceAt(totalCredits, time.Now)
}

func NewCreditBalanceAt(totalCredits float64, now func() time.Time) *CreditBalance {
	return &CreditBalance{
		totalCredits: totalCredits,
		lastUpdated:  now(),
		now:          now,
	}
}

// Charge records a spend against the balance.
func (c *CreditBalance) Charge(costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()

	c.usedCredits += costUSD
	c.dailySpend += costUSD
	c.monthlySpend += costUSD
	c.lastUpdated = c.now()
}

// Remaining is totalCredits - usedCredits, recomputed on every call.
func (c *CreditBalance) Remaining() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCredits - c.usedCredits
}

// DailySpend returns today's spend, rolled over if the day changed.
func (c *CreditBalance) DailySpend() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.dailySpend
}

// MonthlySpend returns this month's spend.
func (c *CreditBalance) MonthlySpend() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.monthlySpend
}

func (c *CreditBalance) rolloverLocked() {
	now := c.now()
	if !sameDay(c.lastUpdated, now) {
		c.dailySpend = 0
	}
	if c.lastUpdated.Year() != now.Year() || c.lastUpdated.Month() != now.Month() {
		c.monthlySpend = 0
	}
}
