package routing

import (
	"fmt"
	"math"
	"time"
)

// Complexity grades a request. Parse rejects unknown values so a new
// grade cannot silently fall through selection.
type Complexity string

const (
	Simple  Complexity = "simple"
	Medium  Complexity = "medium"
	Complex Complexity = "complex"
)

func ParseComplexity(s string) (Complexity, error) {
	switch Complexity(s) {
	case Simple, Medium, Complex:
		return Complexity(s), nil
	case "":
		return Simple, nil
	default:
		return "", fmt.Errorf("unknown complexity %q", s)
	}
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Request is one routing job as handed in by the HTTP surface.
type Request struct {
	Prompt      string     `json:"prompt"`
	Complexity  Complexity `json:"complexity"`
	Studio      string     `json:"studio,omitempty"`
	Variant     string     `json:"variant,omitempty"`
	Preference  string     `json:"preference,omitempty"`
	Urgency     Urgency    `json:"urgency,omitempty"`
	Collaborate bool       `json:"collaborate,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
	Context     string     `json:"context,omitempty"`
	History     []string   `json:"history,omitempty"`
}

// Response is the normalized answer every route resolves to.
type Response struct {
	Text             string   `json:"text"`
	Variant          string   `json:"variant"`
	Model            string   `json:"model"`
	Provider         string   `json:"provider"`
	Reasoning        string   `json:"reasoning"`
	TokensUsed       int      `json:"tokensUsed"`
	CostUSD          float64  `json:"costUsd"`
	QuotaRemaining   int64    `json:"quotaRemaining"`
	CreditsRemaining float64  `json:"creditsRemaining"`
	FallbacksUsed    []string `json:"fallbacksUsed,omitempty"`
	Suggestions      []string `json:"collaborationSuggestions,omitempty"`
	NextSteps        []string `json:"nextSteps,omitempty"`
}

// HistoryEntry records one routing outcome for analytics.
type HistoryEntry struct {
	Timestamp time.Time
	Request   Request
	Response  *Response
	Success   bool
}

// EstimateTokens converts prompt length to an estimated total token
// count: roughly four characters per token, doubled to cover the
// response. Quota accounting depends on this exact formula.
func EstimateTokens(prompt string) int64 {
	return int64(math.Ceil(float64(len(prompt))/4)) * 2
}
