// Package avatar memoizes display-picture lookups per (platform, username).
package avatar

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"

	"github.com/john/multichat/internal/message"
	"github.com/john/multichat/internal/metrics"
)

// Resolver fetches one avatar URL from a platform upstream
type Resolver interface {
	Resolve(ctx context.Context, username string) (string, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, username string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, username string) (string, error) {
	return f(ctx, username)
}

// Entry is one cached resolution
type Entry struct {
	URL        string
	ResolvedAt time.Time
}

// Options tunes the cache
type Options struct {
	Timeout    time.Duration // upper bound for one upstream call
	MaxEntries int
}

// Cache resolves avatars at most once per key. Only successful, non-empty
// results are stored; failures are retried on the next lookup.
type Cache struct {
	log       *slog.Logger
	timeout   time.Duration
	entries   *otter.Cache[string, Entry]
	group     singleflight.Group
	resolvers map[message.Platform]Resolver
}

// New creates a cache backed by the given per-platform resolvers
func New(log *slog.Logger, opts Options, resolvers map[message.Platform]Resolver) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}

	return &Cache{
		log:     log.With(slog.String("component", "avatar")),
		timeout: opts.Timeout,
		entries: otter.Must(&otter.Options[string, Entry]{
			MaximumSize: opts.MaxEntries,
		}),
		resolvers: resolvers,
	}
}

func key(p message.Platform, username string) string {
	return string(p) + ":" + strings.ToLower(username)
}

// Resolve returns the avatar URL for username on p, or "" when there is
// none. Concurrent misses for the same key share one upstream call. If ctx
// ends first the caller gets "" while the shared call keeps running for the
// others.
func (c *Cache) Resolve(ctx context.Context, p message.Platform, username string) string {
	if username == "" {
		return ""
	}
	resolver, ok := c.resolvers[p]
	if !ok {
		return ""
	}

	k := key(p, username)
	if e, ok := c.entries.GetIfPresent(k); ok {
		metrics.AvatarLookups.WithLabelValues(string(p), "hit").Inc()
		return e.URL
	}

	ch := c.group.DoChan(k, func() (any, error) {
		return c.lookup(p, k, username, resolver)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return ""
		}
		return res.Val.(string)
	case <-ctx.Done():
		return ""
	}
}

// lookup runs one shared upstream call. A flight that finished just
// before this one started may already have stored k.
func (c *Cache) lookup(p message.Platform, k, username string, resolver Resolver) (any, error) {
	if e, ok := c.entries.GetIfPresent(k); ok {
		metrics.AvatarLookups.WithLabelValues(string(p), "hit").Inc()
		return e.URL, nil
	}

	// Detached from the first caller so a cancelled caller does not fail
	// everyone sharing the call.
	callCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	url, err := resolver.Resolve(callCtx, username)
	if err != nil {
		metrics.AvatarLookups.WithLabelValues(string(p), "failed").Inc()
		c.log.Debug("avatar lookup failed",
			slog.String("platform", string(p)),
			slog.String("user", username),
			slog.Any("error", err))
		return "", err
	}
	if url == "" {
		metrics.AvatarLookups.WithLabelValues(string(p), "empty").Inc()
		return "", nil
	}

	c.entries.Set(k, Entry{URL: url, ResolvedAt: time.Now()})
	metrics.AvatarLookups.WithLabelValues(string(p), "resolved").Inc()
	return url, nil
}

// Len reports the number of cached avatars
func (c *Cache) Len() int {
	return c.entries.EstimatedSize()
}
