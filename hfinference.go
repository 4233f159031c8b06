package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type HFSummarizationParameters struct {
	MinLength int  `json:"min_length"`
	MaxLength int  `json:"max_length"`
	DoSample  bool `json:"do_sample"`
}

type HFRequestOptions struct {
	WaitForModel bool `json:"wait_for_model"`
	UseCache     bool `json:"use_cache"`
}

type HFSummarizationRequest struct {
	Inputs     string                    `json:"inputs"`
	Parameters HFSummarizationParameters `json:"parameters"`
	Options    HFRequestOptions          `json:"options"`
}

type HFSummarizationCandidate struct {
	SummaryText string `json:"summary_text"`
}

type HFErrorResponse struct {
	Error string `json:"error"`
}

// HTTPError is a non-2xx reply from an inference or dataset endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// hfClient talks to one Hugging Face Inference API endpoint.
type hfClient struct {
	http      *http.Client
	baseURL   string
	authToken string
}

func newHFClient(httpClient *http.Client, config AccessConfig) *hfClient {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultHFInferenceURL
	}
	return &hfClient{
		http:      httpClient,
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: config.AuthToken,
	}
}

func (c *hfClient) summarize(ctx context.Context, model string, req HFSummarizationRequest) ([]HFSummarizationCandidate, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var hfErr HFErrorResponse
		if json.Unmarshal(body, &hfErr) == nil && hfErr.Error != "" {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: hfErr.Error}
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var candidates []HFSummarizationCandidate
	if err := json.Unmarshal(body, &candidates); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return candidates, nil
}
