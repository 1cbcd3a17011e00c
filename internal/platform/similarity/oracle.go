// Package similarity wraps the external embedding oracle and the in-memory
// vector index used for approximate nearest-neighbor candidate retrieval.
// The embedding model itself is a black box: the engine only sees vectors.
package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnavailable indicates the oracle could not be reached or returned a
// non-success response. Callers must treat this as a transient, systemic
// condition, distinct from an empty candidate set.
var ErrUnavailable = errors.New("similarity oracle unavailable")

// Oracle produces an embedding vector for a normalized text key.
type Oracle interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTPOracle calls an external embedding service over HTTP.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (o *HTTPOracle) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrUnavailable)
	}

	return out.Embedding, nil
}
