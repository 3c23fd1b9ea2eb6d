package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/john/multichat/internal/platform"
)

// APIURL is the public channel endpoint base
const APIURL = "https://kick.com/api/v2/channels/"

// ChannelResponse represents the API response from Kick
type ChannelResponse struct {
	ID       int64  `json:"id"`
	Slug     string `json:"slug"`
	Chatroom struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
	User struct {
		Username   string `json:"username"`
		ProfilePic string `json:"profile_pic"`
	} `json:"user"`
}

// API talks to the Kick channel API
type API struct {
	BaseURL string
	Client  *http.Client
}

// NewAPI creates an API client against kick.com
func NewAPI() *API {
	return &API{
		BaseURL: APIURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchChannel fetches channel information for slug. Non-200 statuses come
// back classified (403 blocked, 429 rate limited, 404 not live).
func (a *API) FetchChannel(ctx context.Context, slug string) (*ChannelResponse, error) {
	endpoint := a.BaseURL + url.PathEscape(strings.ToLower(slug))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setBrowserHeaders(req)

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if statusErr := platform.FromStatus(resp.StatusCode); statusErr != nil {
			return nil, fmt.Errorf("API returned %w: %s", statusErr, string(body))
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var channel ChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&channel); err != nil {
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}
	return &channel, nil
}

// Avatar resolves a user's profile picture. Every Kick user owns a channel
// under their username, and the channel payload carries the picture.
func (a *API) Avatar(ctx context.Context, username string) (string, error) {
	channel, err := a.FetchChannel(ctx, username)
	if err != nil {
		return "", err
	}
	return channel.User.ProfilePic, nil
}

// setBrowserHeaders sets browser headers so CloudFlare lets the request
// through. Accept-Encoding is left to the transport so gzip is decoded.
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("sec-ch-ua", `"Chromium";v="143", "Not.A/Brand";v="24", "Google Chrome";v="143"`)
	req.Header.Set("sec-ch-ua-mobile", "?0")
	req.Header.Set("sec-ch-ua-platform", `"Windows"`)
}
