package youtube

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/john/multichat/internal/platform"
)

// API is the slice of the YouTube Data API the adapter needs. Errors are
// classified with the platform sentinels.
type API interface {
	ChannelByHandle(ctx context.Context, handle string) (string, error)
	SearchChannel(ctx context.Context, query string) (string, error)
	LiveVideo(ctx context.Context, channelID string) (string, error)
	LiveChatID(ctx context.Context, videoID string) (string, error)
	Messages(ctx context.Context, liveChatID, pageToken string) (*yt.LiveChatMessageListResponse, error)
}

// Client implements API with an API key
type Client struct {
	svc *yt.Service
}

// NewClient creates a Data API client authenticated with apiKey
func NewClient(ctx context.Context, apiKey string, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &Client{svc: svc}, nil
}

func (c *Client) ChannelByHandle(ctx context.Context, handle string) (string, error) {
	resp, err := c.svc.Channels.List([]string{"id"}).ForHandle(handle).Context(ctx).Do()
	if err != nil {
		return "", apiError("channels.list", err)
	}
	if len(resp.Items) == 0 {
		return "", nil
	}
	return resp.Items[0].Id, nil
}

func (c *Client) SearchChannel(ctx context.Context, query string) (string, error) {
	resp, err := c.svc.Search.List([]string{"id"}).Q(query).Type("channel").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", apiError("search.list channel", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil {
		return "", nil
	}
	return resp.Items[0].Id.ChannelId, nil
}

func (c *Client) LiveVideo(ctx context.Context, channelID string) (string, error) {
	resp, err := c.svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", apiError("search.list live", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Id == nil || resp.Items[0].Id.VideoId == "" {
		return "", fmt.Errorf("no live broadcast on %s: %w", channelID, platform.ErrNotLive)
	}
	return resp.Items[0].Id.VideoId, nil
}

func (c *Client) LiveChatID(ctx context.Context, videoID string) (string, error) {
	resp, err := c.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", apiError("videos.list", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil || resp.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return "", fmt.Errorf("video %s has no active live chat: %w", videoID, platform.ErrNotLive)
	}
	return resp.Items[0].LiveStreamingDetails.ActiveLiveChatId, nil
}

func (c *Client) Messages(ctx context.Context, liveChatID, pageToken string) (*yt.LiveChatMessageListResponse, error) {
	call := c.svc.LiveChatMessages.List(liveChatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, apiError("liveChatMessages.list", err)
	}
	return resp, nil
}

// apiError maps a googleapi error onto the platform error kinds. An ended
// or disabled chat counts as not live whatever its status code.
func apiError(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("youtube %s: %w", op, err)
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "liveChatEnded", "liveChatDisabled", "liveChatNotFound":
			return fmt.Errorf("youtube %s: %s: %w", op, item.Reason, platform.ErrNotLive)
		case "quotaExceeded", "rateLimitExceeded":
			return fmt.Errorf("youtube %s: %s: %w", op, item.Reason, platform.ErrRateLimited)
		}
	}
	if statusErr := platform.FromStatus(gerr.Code); statusErr != nil {
		return fmt.Errorf("youtube %s: %s: %w", op, gerr.Message, statusErr)
	}
	return fmt.Errorf("youtube %s: %w", op, err)
}
