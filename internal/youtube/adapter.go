// Package youtube polls a YouTube live chat through the Data API.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/platform"
)

var channelIDPattern = regexp.MustCompile(`^UC[A-Za-z0-9_-]{22}$`)

// Options configures the YouTube adapter
type Options struct {
	Channel         string
	APIKey          string
	MinPollInterval time.Duration
	ErrorRetry      time.Duration
}

// Adapter discovers the live chat for a channel and polls it
type Adapter struct {
	log   *slog.Logger
	opts  Options
	api   API
	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a YouTube adapter
func New(log *slog.Logger, opts Options, api API) *Adapter {
	if opts.MinPollInterval <= 0 {
		opts.MinPollInterval = 3 * time.Second
	}
	if opts.ErrorRetry <= 0 {
		opts.ErrorRetry = 5 * time.Second
	}
	return &Adapter{
		log:   log.With(slog.String("platform", "youtube")),
		opts:  opts,
		api:   api,
		now:   time.Now,
		after: time.After,
	}
}

func (a *Adapter) Platform() message.Platform { return message.YouTube }

// Configured reports whether a channel and API key are set
func (a *Adapter) Configured() bool {
	return a.opts.Channel != "" && a.opts.APIKey != "" && a.api != nil
}

// Run polls the chat of the current live broadcast until it ends
func (a *Adapter) Run(ctx context.Context, r platform.Reporter) error {
	if !a.Configured() {
		return platform.ErrNotConfigured
	}

	chatID, err := a.discover(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Connected to YouTube live chat", slog.String("live_chat_id", chatID))
	r.Connected()

	token := ""
	backlog := true
	for {
		resp, err := a.api.Messages(ctx, chatID, token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if terminal(err) {
				return err
			}
			a.log.Warn("Live chat poll failed, retrying", slog.Any("error", err), slog.Duration("retry_in", a.opts.ErrorRetry))
			if err := a.wait(ctx, a.opts.ErrorRetry); err != nil {
				return err
			}
			continue
		}

		r.Touch()
		if backlog {
			a.log.Debug("Skipping backlog page", slog.Int("items", len(resp.Items)))
			backlog = false
		} else {
			for _, item := range resp.Items {
				if ev, ok := FromMessage(item, a.now()); ok {
					r.Emit(ev)
				}
			}
		}

		if resp.OfflineAt != "" {
			return fmt.Errorf("youtube chat ended at %s: %w", resp.OfflineAt, platform.ErrNotLive)
		}
		token = resp.NextPageToken

		interval := max(time.Duration(resp.PollingIntervalMillis)*time.Millisecond, a.opts.MinPollInterval)
		if err := a.wait(ctx, interval); err != nil {
			return err
		}
	}
}

// discover resolves the configured channel to its active live chat id
func (a *Adapter) discover(ctx context.Context) (string, error) {
	channelID, err := a.channelID(ctx)
	if err != nil {
		return "", err
	}
	videoID, err := a.api.LiveVideo(ctx, channelID)
	if err != nil {
		return "", err
	}
	chatID, err := a.api.LiveChatID(ctx, videoID)
	if err != nil {
		return "", err
	}
	return chatID, nil
}

func (a *Adapter) channelID(ctx context.Context) (string, error) {
	channel := strings.TrimSpace(a.opts.Channel)
	if channelIDPattern.MatchString(channel) {
		return channel, nil
	}

	id, err := a.api.ChannelByHandle(ctx, strings.TrimPrefix(channel, "@"))
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id, err = a.api.SearchChannel(ctx, channel)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("youtube channel %q not found: %w", channel, platform.ErrNotLive)
	}
	return id, nil
}

func (a *Adapter) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.after(d):
		return nil
	}
}

// terminal reports whether a poll error ends the attempt: auth failures,
// exhausted quota and a chat that is gone
func terminal(err error) bool {
	return errors.Is(err, platform.ErrBlocked) ||
		errors.Is(err, platform.ErrRateLimited) ||
		errors.Is(err, platform.ErrNotLive)
}
