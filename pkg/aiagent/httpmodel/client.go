// Package httpmodel is a reference ModelAdapter implementation: it POSTs
// {prompt, schema} to a configured URL and decodes
// {object, text, usage, finishReason}, the same marshal/post/decode shape
// this repository uses for its other narrow JSON-over-HTTP collaborator
// (the endpoint executor's HTTPCaller).
package httpmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nightcrew/skedge/pkg/aiagent"
	"github.com/nightcrew/skedge/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type generateRequest struct {
	Prompt string          `json:"prompt"`
	Schema json.RawMessage `json:"schema"`
}

type generateResponse struct {
	Object       json.RawMessage `json:"object"`
	Text         string          `json:"text"`
	Usage        models.Usage    `json:"usage"`
	FinishReason string          `json:"finishReason"`
}

func (c *Client) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage) (aiagent.GenerateResult, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Schema: schema})
	if err != nil {
		return aiagent.GenerateResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return aiagent.GenerateResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return aiagent.GenerateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aiagent.GenerateResult{}, fmt.Errorf("model service returned status: %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return aiagent.GenerateResult{}, fmt.Errorf("Error parsing response body: %w", err)
	}

	return aiagent.GenerateResult{
		Object:       out.Object,
		Text:         out.Text,
		Usage:        out.Usage,
		FinishReason: out.FinishReason,
	}, nil
}
