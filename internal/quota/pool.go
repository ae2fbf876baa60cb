package quota

import (
	"log"
	"sync"
	"time"
)

// RateLimitCooldown is applied to an account after a provider 429.
const RateLimitCooldown = 60 * time.Second

// Account is one credentialed slot of a provider with its own daily
// token quota.
type Account struct {
	ID             string
	Name           string
	KeyRef         string // API key, never logged
	DailyQuota     int64
	UsedToday      int64
	LastReset      time.Time
	Active         bool
	RateLimitUntil time.Time
}

// Remaining is the headroom left today.
func (a *Account) Remaining() int64 {
	return a.DailyQuota - a.UsedToday
}

// AccountPool tracks daily token quotas across a provider's accounts and
// answers which account can serve an estimated token count right now.
type AccountPool struct {
	mu       sync.Mutex
	accounts []*Account
	now      func() time.Time
}

func NewAccountPool(accounts []*Account) *AccountPool {
	return &AccountPool{accounts: accounts, now: time.Now}
}

// NewAccountPoolAt is like NewAccountPool with an injectable clock.
func NewAccountPoolAt(accounts []*Account, now func() time.Time) *AccountPool {
	return &AccountPool{accounts: accounts, now: now}
}

// SelectBestAccount returns a snapshot of the active, non-rate-limited
// account with the most headroom that can absorb estimatedTokens. Ties
// keep the earlier account, so ordering of the pool is stable.
func (p *AccountPool) SelectBestAccount(estimatedTokens int64) (Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfNewDayLocked()

	now := p.now()
	var best *Account
	for _, a := range p.accounts {
		if !a.Active {
			continue
		}
		if a.RateLimitUntil.After(now) {
			continue
		}
		if a.UsedToday+estimatedTokens > a.DailyQuota {
			continue
		}
		if best == nil || a.Remaining() > best.Remaining() {
			best = a
		}
	}
	if best == nil {
		return Account{}, false
	}
	return *best, true
}

// RecordUsage adds tokens to an account's daily usage. An unknown id is
// logged and ignored.
func (p *AccountPool) RecordUsage(accountID string, tokens int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfNewDayLocked()

	for _, a := range p.accounts {
		if a.ID == accountID {
			a.UsedToday += tokens
			return
		}
	}
	log.Printf("quota: usage recorded against unknown account %q, dropping", accountID)
}

// MarkRateLimited puts an account on a short cool-down after a 429.
func (p *AccountPool) MarkRateLimited(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.accounts {
		if a.ID == accountID {
			a.RateLimitUntil = p.now().Add(RateLimitCooldown)
			return
		}
	}
}

// ResetIfNewDay zeroes usage and clears rate-limit markers for accounts
// whose last reset was on an earlier calendar day.
func (p *AccountPool) ResetIfNewDay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfNewDayLocked()
}

func (p *AccountPool) resetIfNewDayLocked() {
	now := p.now()
	for _, a := range p.accounts {
		if sameDay(a.LastReset, now) {
			continue
		}
		a.UsedToday = 0
		a.RateLimitUntil = time.Time{}
		a.LastReset = now
	}
}

// RemainingTotal sums headroom across all active accounts.
func (p *AccountPool) RemainingTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetIfNewDayLocked()

	var total int64
	for _, a := range p.accounts {
		if a.Active {
			total += a.Remaining()
		}
	}
	return total
}

// Snapshot returns copies of all accounts for status reporting.
func (p *AccountPool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = *a
	}
	return out
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
