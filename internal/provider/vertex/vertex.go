package vertex

import (
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

const Name = "vertex-ai"

// Client calls Vertex AI generateContent. Vertex does not return cost,
// so it is computed client-side from the per-model price table.
type Client struct {
	apiKey     string
	projectID  string
	baseURL    string
	httpClient *http.Client
}

type vertexRequest struct {
	Contents          []vertexContent  `json:"contents"`
	SystemInstruction *vertexContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
}

type vertexResponse struct {
	Candidates    []vertexCandidate `json:"candidates"`
	UsageMetadata vertexUsage       `json:"usageMetadata"`
}

type vertexCandidate struct {
	Content vertexContent `json:"content"`
}

type vertexUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func New(apiKey, projectID string, timeout time.Duration) *Client {
	return &Client{
		apiKey:     apiKey,
		projectID:  projectID,
		baseURL:    fmt.Sprintf("https://us-central1-aiplatform.googleapis.com/v1/projects/%s/locations/us-central1/publishers/google", projectID),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, err
	}

	model := strings.TrimPrefix(req.Model, "vertex-")
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
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

	var vResp vertexResponse
	if err := json.NewDecoder(resp.Body).Decode(&vResp); err != nil {
		return nil, err
	}

	if len(vResp.Candidates) == 0 || len(vResp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("vertex-ai api returned no candidates")
	}

	tokens := vResp.UsageMetadata.TotalTokenCount
	if tokens == 0 {
		tokens = vResp.UsageMetadata.PromptTokenCount + vResp.UsageMetadata.CandidatesTokenCount
	}

	return &provider.Response{
		Text:       vResp.Candidates[0].Content.Parts[0].Text,
		TokensUsed: tokens,
		CostUSD:    CostFor(req.Model, tokens),
		Model:      req.Model,
		Provider:   Name,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

func (c *Client) mapRequest(req *provider.Request) vertexRequest {
	out := vertexRequest{
		Contents: []vertexContent{
			{Role: "user", Parts: []vertexPart{{Text: req.Prompt}}},
		},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if req.System != "" {
		out.SystemInstruction = &vertexContent{Parts: []vertexPart{{Text: req.System}}}
	}
	return out
}

// CompleteStream is not offered for Vertex; the enhanced router falls
// back to a single-chunk reply built from Complete.
func (c *Client) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan *provider.Chunk, 2)
	ch <- &provider.Chunk{Delta: resp.Text}
	ch <- &provider.Chunk{Done: true}
	close(ch)
	return ch, nil
}

func (c *Client) Name() string {
	return Name
}

// CostFor prices a call from the per-model table.
func CostFor(model string, tokens int) float64 {
	perMillion := config.VertexProPricePer1M
	if strings.Contains(model, "flash") {
		perMillion = config.VertexFlashPricePer1M
	}
	return float64(tokens) / 1_000_000 * perMillion
}
