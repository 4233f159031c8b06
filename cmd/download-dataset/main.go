// Command download-dataset saves a small sample of the CNN/DailyMail train
// split for inspection.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	summarizer "github.com/powerivq/bartsum"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ec, err := summarizer.LoadEnv()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	fetcher := summarizer.NewDatasetFetcher(ec.DatasetsURL, nil)
	if err := run(context.Background(), fetcher, summarizer.DefaultSamplePath, os.Stdout); err != nil {
		slog.Error("failed to save sample", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, fetcher *summarizer.DatasetFetcher, path string, stdout io.Writer) error {
	if err := fetcher.Sample(ctx, summarizer.DefaultDatasetRef(), summarizer.DefaultSampleSize, path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Sample saved as %s\n", path)
	return nil
}
