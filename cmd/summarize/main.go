// Command summarize prints a summary of a document given its title,
// headings and a path to its UTF-8 body text.
//
// Usage: summarize <title> <headings> <main_text_path>
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	summarizer "github.com/powerivq/bartsum"
)

const usage = "Usage: summarize <title> <headings> <main_text_path>"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	os.Exit(run(context.Background(), os.Args, os.Stdout, newClient))
}

func newClient() (*summarizer.Client, error) {
	config, err := summarizer.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return summarizer.NewClientNoCache(config)
}

func run(ctx context.Context, args []string, stdout io.Writer, newClient func() (*summarizer.Client, error)) int {
	if len(args) < 4 {
		fmt.Fprintln(stdout, usage)
		return 1
	}
	title, headings, mainTextPath := args[1], args[2], args[3]

	body, err := os.ReadFile(mainTextPath)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read main text", slog.String("path", mainTextPath), slog.Any("error", err))
		return 1
	}

	client, err := newClient()
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize summarizer", slog.Any("error", err))
		return 1
	}
	defer client.Close()

	summary, err := client.Summarize(ctx, summarizer.SummaryRequest{
		Title:    title,
		Headings: headings,
		Body:     string(body),
	})
	if err != nil {
		slog.ErrorContext(ctx, "summarization failed", slog.Any("error", err))
		return 1
	}

	if _, err := io.WriteString(stdout, summary); err != nil {
		slog.ErrorContext(ctx, "failed to write summary", slog.Any("error", err))
		return 1
	}
	return 0
}
