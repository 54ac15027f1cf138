package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPMemberProvider resolves member data against an external HTTP service.
type HTTPMemberProvider struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPMemberProvider creates a provider client for the given endpoint.
//
// Precondition: url must be non-empty; timeout must be positive; logger
// must be non-nil.
func NewHTTPMemberProvider(url string, timeout time.Duration, logger *zap.Logger) *HTTPMemberProvider {
	return &HTTPMemberProvider{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Fetch POSTs the member request and decodes either member data or a
// structured provider error. Non-JSON failures surface as unknown errors.
func (p *HTTPMemberProvider) Fetch(ctx context.Context, req MemberRequest) (MemberData, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return MemberData{}, fmt.Errorf("encoding member request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return MemberData{}, fmt.Errorf("building member request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return MemberData{}, fmt.Errorf("member lookup: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return MemberData{}, fmt.Errorf("reading member response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var provErr Error
		if jsonErr := json.Unmarshal(payload, &provErr); jsonErr == nil && provErr.Code != "" {
			if provErr.Status == 0 {
				provErr.Status = resp.StatusCode
			}
			return MemberData{}, &provErr
		}
		p.logger.Warn("member lookup returned unstructured failure",
			zap.Int("status", resp.StatusCode),
			zap.Int("body_bytes", len(payload)),
		)
		return MemberData{}, fmt.Errorf("member lookup: unexpected status %d", resp.StatusCode)
	}

	var data MemberData
	if err := json.Unmarshal(payload, &data); err != nil {
		return MemberData{}, fmt.Errorf("decoding member response: %w", err)
	}
	return data, nil
}
