// Package explainer adapts prediction services to domain.Explainer.
package explainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// HTTP calls a remote explainer at POST {endpoint}/explain.
type HTTP struct {
	endpoint string
	method   domain.ExplanationMethod
	client   *http.Client
}

// NewHTTP creates a remote explainer. method is sent as a hint; the
// service may answer with any supported variant.
func NewHTTP(endpoint string, method domain.ExplanationMethod, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{endpoint: strings.TrimRight(endpoint, "/"), method: method, client: client}
}

type explainRequest struct {
	Input  map[string]any           `json:"input"`
	Method domain.ExplanationMethod `json:"method,omitempty"`
}

// Explain implements domain.Explainer.
func (h *HTTP) Explain(ctx context.Context, input map[string]any) (domain.ExplanationResult, error) {
	var out domain.ExplanationResult

	body, err := json.Marshal(explainRequest{Input: input, Method: h.method})
	if err != nil {
		return out, fmt.Errorf("encode explain request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/explain", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("%w: %v", domain.ErrExplainerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", domain.ErrExplainerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return out, fmt.Errorf("%w: read: %w", domain.ErrExplainerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: status %d: %s", domain.ErrExplainerUnavailable,
			resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: decode: %w", domain.ErrExplainerUnavailable, err)
	}
	return out, nil
}
