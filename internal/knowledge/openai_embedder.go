package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAIEmbedBatchSize = 64
	openAIEmbedDelay     = 400 * time.Millisecond
	openAIMaxRetries     = 5
	openAIRetryDelay     = 3 * time.Second
	defaultOpenAIURL     = "https://api.openai.com/v1/embeddings"
)

// OpenAIEmbedder calls the OpenAI embeddings endpoint (or any
// compatible server via BaseURL) over plain HTTP.
type OpenAIEmbedder struct {
	client    *http.Client
	apiKey    string
	model     string
	dimension int
	endpoint  string
}

func NewOpenAIEmbedder(apiKey, model string, dim int, baseURL string) *OpenAIEmbedder {
	endpoint := strings.TrimSpace(baseURL)
	if endpoint == "" {
		endpoint = defaultOpenAIURL
	}
	return &OpenAIEmbedder{
		client:    &http.Client{Timeout: 60 * time.Second},
		apiKey:    apiKey,
		model:     model,
		dimension: dim,
		endpoint:  endpoint,
	}
}

func (o *OpenAIEmbedder) Dimension() int { return o.dimension }

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return nil, fmt.Errorf("knowledge: openai api key is required")
	}
	if strings.TrimSpace(o.model) == "" {
		return nil, fmt.Errorf("knowledge: openai embedding model is required")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openAIEmbedBatchSize {
		if start > 0 && !sleepOrCancel(ctx, openAIEmbedDelay) {
			return nil, ctx.Err()
		}
		end := min(start+openAIEmbedBatchSize, len(texts))
		vecs, err := o.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

func (o *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := openAIEmbedRequest{Model: o.model, Input: batch}
	if o.dimension > 0 {
		payload.Dimensions = &o.dimension
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= openAIMaxRetries; attempt++ {
		if attempt > 0 && !sleepOrCancel(ctx, openAIRetryDelay) {
			return nil, ctx.Err()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		// Retry on throttling and server faults; anything else is final.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("knowledge: openai embeddings (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := strings.TrimSpace(string(data))
			var errBody openAIErrorBody
			if json.Unmarshal(data, &errBody) == nil && errBody.Error.Message != "" {
				msg = errBody.Error.Message
			}
			return nil, fmt.Errorf("knowledge: openai embeddings (%d): %s", resp.StatusCode, msg)
		}

		var parsed openAIEmbedResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Data) != len(batch) {
			return nil, fmt.Errorf("knowledge: openai returned %d embeddings for %d texts", len(parsed.Data), len(batch))
		}
		out := make([][]float32, len(batch))
		for _, item := range parsed.Data {
			if item.Index >= 0 && item.Index < len(out) {
				out[item.Index] = item.Embedding
			}
		}
		for i := range out {
			if len(out[i]) == 0 {
				return nil, fmt.Errorf("knowledge: openai embedding missing at index %d", i)
			}
		}
		return out, nil
	}
	return nil, lastErr
}
