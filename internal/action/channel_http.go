package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cortex/internal/types"
)

// HTTPChannel posts actions as JSON to the executor's HTTP endpoint.
type HTTPChannel struct {
	url    string
	client *http.Client
}

// NewHTTPChannel builds the HTTP dispatch channel.
func NewHTTPChannel(url string, timeout time.Duration) *HTTPChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPChannel) Name() string { return "http" }

func (c *HTTPChannel) Send(ctx context.Context, req *types.ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("executor unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("executor rejected action %s: HTTP %d", req.ID, resp.StatusCode)
	}
	return nil
}
