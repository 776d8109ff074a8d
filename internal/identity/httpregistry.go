package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPRegistry queries an external identity-registry HTTP endpoint for
// address registration status.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry constructs an HTTPRegistry targeting baseURL, expected to
// expose GET {baseURL}/addresses/{address} returning {"registered": bool}.
func NewHTTPRegistry(baseURL string, timeout time.Duration) (*HTTPRegistry, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("registry endpoint must not be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRegistry{baseURL: baseURL, client: &http.Client{Timeout: timeout}}, nil
}

type registryResponse struct {
	Registered bool `json:"registered"`
}

// IsRegistered implements OnChainRegistry.
func (r *HTTPRegistry) IsRegistered(ctx context.Context, address string) (bool, error) {
	endpoint := fmt.Sprintf("%s/addresses/%s", r.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build registry request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("registry returned unexpected status %d", resp.StatusCode)
	}
	var body registryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode registry response: %w", err)
	}
	return body.Registered, nil
}
