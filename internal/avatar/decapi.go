package avatar

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DecAPIURL is the plain-text Twitch avatar endpoint
const DecAPIURL = "https://decapi.me/twitch/avatar/"

// DecAPI resolves Twitch avatars through a plain-text lookup service. The
// body is the avatar URL itself, or an error sentence for unknown users.
type DecAPI struct {
	BaseURL string
	Client  *http.Client
}

// NewDecAPI creates a resolver against the public endpoint
func NewDecAPI() *DecAPI {
	return &DecAPI{
		BaseURL: DecAPIURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve implements Resolver
func (d *DecAPI) Resolve(ctx context.Context, username string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+url.PathEscape(strings.ToLower(username)), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	avatar := strings.TrimSpace(string(body))
	if !strings.HasPrefix(avatar, "http") {
		return "", nil
	}
	return avatar, nil
}
