package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [topic-pattern...]",
	Short: "Stream live events from the daemon",
	Long: `watch tails the daemon's event stream and prints each event as it
arrives. Topic patterns support the usual wildcards: "stock.*" matches one
level, ">" matches everything. With no patterns all events are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		client := newClient()
		lastID := ""
		for {
			err := streamEvents(ctx, client, args, &lastID)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted(fmt.Sprintf("stream interrupted: %v, reconnecting", err)))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
			}
		}
	},
}

// streamEvents consumes one SSE connection, tracking the last event ID so a
// reconnect resumes from where the stream dropped.
func streamEvents(ctx context.Context, client *apiClient, topics []string, lastID *string) error {
	path := "/v1/events/stream"
	if len(topics) > 0 {
		path += "?topics=" + url.QueryEscape(strings.Join(topics, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.base+path, nil)
	if err != nil {
		return err
	}
	if client.token != "" {
		req.Header.Set("Authorization", "Bearer "+client.token)
	}
	if *lastID != "" {
		req.Header.Set("Last-Event-ID", *lastID)
	}

	// No timeout: the stream stays open until canceled.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: %s", resp.Status)
	}

	var topic string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			*lastID = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			topic = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			printEvent(topic, strings.TrimSpace(line[len("data:"):]))
		case line == "" || strings.HasPrefix(line, ":"):
			// Blank separators and keepalive comments.
		}
	}
	return scanner.Err()
}

func printEvent(topic, data string) {
	if jsonOutput {
		fmt.Printf("{\"topic\":%q,\"data\":%s}\n", topic, data)
		return
	}
	ts := time.Now().Format("15:04:05")
	fmt.Printf("%s  %-16s %s\n", ui.RenderMuted(ts), topic, data)
}
