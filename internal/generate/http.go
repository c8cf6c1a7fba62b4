package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpProvider talks to an Ollama-compatible completion endpoint.
type httpProvider struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewHTTPProvider(endpoint, model string) Provider {
	return &httpProvider{endpoint: endpoint, model: model, client: http.DefaultClient}
}

type httpRequest struct {
	Model   string      `json:"model"`
	Prompt  string      `json:"prompt"`
	System  string      `json:"system,omitempty"`
	Stream  bool        `json:"stream"`
	Options httpOptions `json:"options"`
}

type httpOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type httpResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (p *httpProvider) Generate(ctx context.Context, prompt Prompt) (Segment, error) {
	payload := httpRequest{
		Model:  p.model,
		Prompt: prompt.Context,
		System: prompt.System,
		Stream: false,
		Options: httpOptions{
			Temperature: prompt.Temperature,
			NumPredict:  prompt.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Segment{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return Segment{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Segment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Segment{}, fmt.Errorf("generation endpoint returned status %s", resp.Status)
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Segment{}, err
	}

	return Segment{
		Text:             decoded.Response,
		PromptTokens:     decoded.PromptEvalCount,
		CompletionTokens: decoded.EvalCount,
		Latency:          time.Since(start),
	}, nil
}
