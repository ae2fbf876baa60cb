package googleai

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

	"github.com/bons-ai/router/internal/provider"
)

const Name = "google-ai"

// Client calls the Google AI Studio generateContent API with one
// account's key. Multi-account rotation lives in the quota pool; one
// Client is constructed per account.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content content `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func New(apiKey string, timeout time.Duration) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    "https://generativelanguage.googleapis.com",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, err
	}

	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("google-ai api returned no candidates")
	}

	tokens := genResp.UsageMetadata.TotalTokenCount
	if tokens == 0 {
		tokens = genResp.UsageMetadata.PromptTokenCount + genResp.UsageMetadata.CandidatesTokenCount
	}

	return &provider.Response{
		Text:       genResp.Candidates[0].Content.Parts[0].Text,
		TokensUsed: tokens,
		CostUSD:    0, // free tier
		Model:      req.Model,
		Provider:   Name,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) mapRequest(req *provider.Request) generateRequest {
	out := generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: req.Prompt}}},
		},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	return out
}

func (c *Client) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", c.baseURL, req.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

			var genResp generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &genResp); err != nil {
				// A malformed event must not kill the stream.
				continue
			}

			if len(genResp.Candidates) > 0 && len(genResp.Candidates[0].Content.Parts) > 0 {
				text := genResp.Candidates[0].Content.Parts[0].Text
				if text != "" {
					select {
					case ch <- &provider.Chunk{Delta: text}:
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
