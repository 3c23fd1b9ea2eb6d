package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/john/multichat/internal/kick"
)

type result struct {
	slug       string
	chatroomID int64
	err        error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: resolve-kick-channels <channel1> [channel2] ...")
		fmt.Println("\nExample:")
		fmt.Println("  resolve-kick-channels paymoneywubby xqc")
		os.Exit(1)
	}

	channels := os.Args[1:]
	fmt.Printf("Resolving %d Kick channel(s)...\n\n", len(channels))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	api := kick.NewAPI()
	results := make([]result, len(channels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, channel := range channels {
		slug := strings.ToLower(strings.TrimSpace(channel))
		g.Go(func() error {
			info, err := api.FetchChannel(gctx, slug)
			results[i] = result{slug: slug, err: err}
			if err == nil {
				results[i].chatroomID = info.Chatroom.ID
			}
			return nil
		})
	}
	g.Wait()

	var resolved, failed []result
	for _, r := range results {
		if r.err != nil {
			failed = append(failed, r)
		} else {
			resolved = append(resolved, r)
		}
	}

	// Print results
	if len(resolved) > 0 {
		fmt.Println("✓ Successfully resolved:")
		fmt.Println("---")
		for _, r := range resolved {
			fmt.Printf("%s: %d\n", r.slug, r.chatroomID)
		}
		fmt.Println()
	}

	if len(failed) > 0 {
		fmt.Println("✗ Failed to resolve:")
		fmt.Println("---")
		for _, r := range failed {
			fmt.Printf("%s: %s\n", r.slug, r.err)
		}
		fmt.Println()
	}

	// Print YAML config snippet, one per channel since a deployment reads one
	for _, r := range resolved {
		fmt.Println("Add this to your config.yaml:")
		fmt.Println("---")
		fmt.Println("kick:")
		fmt.Printf("  channel: %s\n", r.slug)
		fmt.Printf("  chatroom_id: %d\n", r.chatroomID)
		fmt.Println()
	}

	if len(failed) > 0 {
		os.Exit(1)
	}
}
