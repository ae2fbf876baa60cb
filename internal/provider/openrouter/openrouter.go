package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bons-ai/router/config"
	"github.com/bons-ai/router/internal/provider"
)

const Name = "openrouter"

// Client calls the OpenRouter OpenAI-compatible chat API. DeepSeek-class
// models are routed through here as well, priced from the published
// DeepSeek table.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type orRequest struct {
	Model       string      `json:"model"`
	Messages    []orMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
}

type orMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type orResponse struct {
	ID      string     `json:"id"`
	Choices []orChoice `json:"choices"`
	Usage   orUsage    `json:"usage"`
	Model   string     `json:"model"`
}

type orChoice struct {
	Message orMessage `json:"message"`
	Delta   orDelta   `json:"delta"`
}

type orDelta struct {
	Content string `json:"content"`
}

type orUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func New(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    "https://openrouter.ai/api/v1",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.APIError{Provider: Name, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var orResp orResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		return nil, err
	}

	if len(orResp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter api returned no choices")
	}

	tokens := orResp.Usage.TotalTokens
	if tokens == 0 {
		tokens = orResp.Usage.PromptTokens + orResp.Usage.CompletionTokens
	}

	return &provider.Response{
		ID:         orResp.ID,
		Text:       orResp.Choices[0].Message.Content,
		TokensUsed: tokens,
		CostUSD:    CostFor(req.Model, orResp.Usage.PromptTokens, orResp.Usage.CompletionTokens),
		Model:      req.Model,
		Provider:   Name,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) mapRequest(req *provider.Request) orRequest {
	var messages []orMessage
	if req.System != "" {
		messages = append(messages, orMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, orMessage{Role: "user", Content: req.Prompt})

	return orRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (c *Client) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	orReq := c.mapRequest(req)
	orReq.Stream = true
	body, err := json.Marshal(orReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			select {
			case ch <- &provider.Chunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			select {
			case ch <- &provider.Chunk{Err: &provider.APIError{Provider: Name, StatusCode: resp.StatusCode, Body: string(respBody)}}:
			case <-ctx.Done():
			}
			return
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.Chunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				select {
				case ch <- &provider.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var orResp orResponse
			if err := json.Unmarshal([]byte(data), &orResp); err != nil {
				// Skip malformed events instead of aborting the stream.
				continue
			}

			if len(orResp.Choices) > 0 {
				content := orResp.Choices[0].Delta.Content
				if content != "" {
					select {
					case ch <- &provider.Chunk{Delta: content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func (c *Client) Name() string {
	return Name
}

// CostFor prices a call by model category: free-suffixed models are $0,
// DeepSeek models use the published input/output table, everything else
// falls into the standard or premium bucket.
func CostFor(model string, promptTokens, completionTokens int) float64 {
	switch {
	case strings.HasSuffix(model, ":free"):
		return 0
	case strings.Contains(model, "deepseek"):
		return float64(promptTokens)/1_000_000*config.DeepSeekInputPricePer1M +
			float64(completionTokens)/1_000_000*config.DeepSeekOutputPricePer1M
	case strings.Contains(model, "opus") || strings.Contains(model, "gpt-4o") && !strings.Contains(model, "mini"):
		return float64(promptTokens+completionTokens) / 1_000_000 * config.OpenRouterPremiumPricePer1M
	default:
		return float64(promptTokens+completionTokens) / 1_000_000 * config.OpenRouterStandardPricePer1M
	}
}

// EstimateCost prices an estimated token count before dispatch, for the
// budget pre-check. Input/output split is assumed even.
func EstimateCost(model string, estimatedTokens int64) float64 {
	half := int(estimatedTokens / 2)
	return CostFor(model, half, int(estimatedTokens)-half)
}
