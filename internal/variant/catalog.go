package variant

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrUnknownVariant = errors.New("unknown variant")

// CostPriority steers model preference for a variant.
type CostPriority string

const (
	CostFree     CostPriority = "free"
	CostBalanced CostPriority = "balanced"
	CostPremium  CostPriority = "premium"
)

// Variant is a named specialist behavior profile: system prompt,
// preferred models and sampling parameters. Profiles are static data,
// not running processes.
type Variant struct {
	ID              string
	Name            string
	Role            string
	SystemPrompt    string
	Capabilities    []string
	PreferredModels []string
	Temperature     float64
	MaxTokens       int
	CostPriority    CostPriority
}

// Patch carries the fields an Update may merge into a stored variant.
// Nil fields are left untouched.
type Patch struct {
	Name            *string
	Role            *string
	SystemPrompt    *string
	Capabilities    []string
	PreferredModels []string
	Temperature     *float64
	MaxTokens       *int
	CostPriority    *CostPriority
}

// keywordGroup maps trigger substrings to a variant. Order is the
// classifier's precedence: the first group with any hit wins, so a
// prompt matching several groups resolves deterministically.
type keywordGroup struct {
	variantID string
	keywords  []string
}

var classifierGroups = []keywordGroup{
	{"research", []string{"research", "find", "analyze"}},
	{"code", []string{"code", "function", "program"}},
	{"design", []string{"design", "ui", "interface"}},
	{"test", []string{"test", "qa", "quality"}},
	{"deploy", []string{"deploy", "devops", "infrastructure"}},
	{"document", []string{"document", "docs", "write"}},
	{"debug", []string{"debug", "error", "fix"}},
}

// DefaultVariantID is the classifier fallback when no group matches.
const DefaultVariantID = "prime"

// Catalog is the static registry of variants plus the prompt classifier.
type Catalog struct {
	mu       sync.RWMutex
	variants map[string]*Variant
}

func NewCatalog() *Catalog {
	c := &Catalog{variants: make(map[string]*Variant)}
	for _, v := range defaultVariants() {
		c.variants[v.ID] = v
	}
	return c
}

func defaultVariants() []*Variant {
	return []*Variant{
		{
			ID: "prime", Name: "Prime", Role: "generalist orchestrator",
			SystemPrompt:    "You are Prime, a capable generalist assistant. Answer directly and coordinate specialist work when asked to synthesize.",
			Capabilities:    []string{"text", "reasoning"},
			PreferredModels: []string{"gemini-2.0-flash", "gemini-1.5-pro"},
			Temperature:     0.7, MaxTokens: 4096, CostPriority: CostBalanced,
		},
		{
			ID: "research", Name: "Scout", Role: "research analyst",
			SystemPrompt:    "You are Scout, a research analyst. Gather, compare and cite relevant information before concluding.",
			Capabilities:    []string{"text", "analysis", "reasoning"},
			PreferredModels: []string{"gemini-1.5-pro", "vertex-gemini-pro"},
			Temperature:     0.4, MaxTokens: 8192, CostPriority: CostBalanced,
		},
		{
			ID: "code", Name: "Forge", Role: "software engineer",
			SystemPrompt:    "You are Forge, a pragmatic software engineer. Produce working, idiomatic code with brief explanations.",
			Capabilities:    []string{"code", "reasoning"},
			PreferredModels: []string{"deepseek/deepseek-chat", "gemini-1.5-pro"},
			Temperature:     0.2, MaxTokens: 8192, CostPriority: CostBalanced,
		},
		{
			ID: "design", Name: "Muse", Role: "product designer",
			SystemPrompt:    "You are Muse, a product designer. Think in flows, hierarchy and accessibility before visuals.",
			Capabilities:    []string{"text", "analysis"},
			PreferredModels: []string{"gemini-2.0-flash"},
			Temperature:     0.9, MaxTokens: 4096, CostPriority: CostFree,
		},
		{
			ID: "test", Name: "Probe", Role: "quality engineer",
			SystemPrompt:    "You are Probe, a quality engineer. Enumerate edge cases and write precise, runnable test plans.",
			Capabilities:    []string{"code", "analysis"},
			PreferredModels: []string{"gemini-1.5-pro", "deepseek/deepseek-chat"},
			Temperature:     0.3, MaxTokens: 4096, CostPriority: CostFree,
		},
		{
			ID: "deploy", Name: "Anchor", Role: "infrastructure engineer",
			SystemPrompt:    "You are Anchor, an infrastructure engineer. Prefer boring, reversible deployment steps.",
			Capabilities:    []string{"code", "analysis"},
			PreferredModels: []string{"gemini-1.5-pro"},
			Temperature:     0.3, MaxTokens: 4096, CostPriority: CostBalanced,
		},
		{
			ID: "document", Name: "Quill", Role: "technical writer",
			SystemPrompt:    "You are Quill, a technical writer. Write for the reader who was not in the room.",
			Capabilities:    []string{"text"},
			PreferredModels: []string{"gemini-2.0-flash"},
			Temperature:     0.6, MaxTokens: 8192, CostPriority: CostFree,
		},
		{
			ID: "debug", Name: "Trace", Role: "debugging specialist",
			SystemPrompt:    "You are Trace, a debugging specialist. Reproduce first, then narrow the fault before proposing a fix.",
			Capabilities:    []string{"code", "reasoning", "thinking"},
			PreferredModels: []string{"deepseek/deepseek-chat", "gemini-1.5-pro"},
			Temperature:     0.2, MaxTokens: 8192, CostPriority: CostBalanced,
		},
	}
}

// Classify maps a free-text prompt to the best-fit variant id. Matching
// is case-insensitive substring search over the fixed group order.
func (c *Catalog) Classify(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, g := range classifierGroups {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				return g.variantID
			}
		}
	}
	return DefaultVariantID
}

// ClassifyAll returns every matching variant id in precedence order, for
// collaboration member selection. No match yields just the default.
func (c *Catalog) ClassifyAll(prompt string) []string {
	lower := strings.ToLower(prompt)
	var ids []string
	for _, g := range classifierGroups {
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				ids = append(ids, g.variantID)
				break
			}
		}
	}
	if len(ids) == 0 {
		ids = append(ids, DefaultVariantID)
	}
	return ids
}

// Get returns the variant for id, or ErrUnknownVariant.
func (c *Catalog) Get(id string) (*Variant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, id)
	}
	cp := *v
	return &cp, nil
}

// BuildPrompt assembles the text sent upstream: optional context block,
// prior turns, then the role-framed instruction, in that order.
func (c *Catalog) BuildPrompt(v *Variant, prompt, contextBlock string, history []string) string {
	var b strings.Builder
	if contextBlock != "" {
		b.WriteString("Context:\n")
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, turn := range history {
			b.WriteString(turn)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("As %s (%s), respond to:\n%s", v.Name, v.Role, prompt))
	return b.String()
}

// Update merges non-nil patch fields into the stored variant.
func (c *Catalog) Update(id string, patch Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.variants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownVariant, id)
	}
	if patch.Name != nil {
		v.Name = *patch.Name
	}
	if patch.Role != nil {
		v.Role = *patch.Role
	}
	if patch.SystemPrompt != nil {
		v.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Capabilities != nil {
		v.Capabilities = patch.Capabilities
	}
	if patch.PreferredModels != nil {
		v.PreferredModels = patch.PreferredModels
	}
	if patch.Temperature != nil {
		v.Temperature = *patch.Temperature
	}
	if patch.MaxTokens != nil {
		v.MaxTokens = *patch.MaxTokens
	}
	if patch.CostPriority != nil {
		v.CostPriority = *patch.CostPriority
	}
	return nil
}

// IDs lists all registered variant ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.variants))
	for id := range c.variants {
		ids = append(ids, id)
	}
	return ids
}
