// Command finetune launches a fine-tuning job on a subset of CNN/DailyMail
// and saves the resulting model reference and tokenizer settings locally.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	openai "github.com/sashabaranov/go-openai"

	summarizer "github.com/powerivq/bartsum"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, summarizer.LoadEnv, summarizer.DefaultTrainingJobConfig(), os.Stdout))
}

func run(ctx context.Context, loadEnv func() (summarizer.EnvConfig, error), cfg summarizer.TrainingJobConfig, stdout io.Writer) int {
	ec, err := loadEnv()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", slog.Any("error", err))
		return 1
	}
	if ec.OpenAIKey == "" {
		slog.ErrorContext(ctx, "OPENAI_API_KEY is required", slog.String("envVar", "OPENAI_API_KEY"))
		return 1
	}
	if ec.Encoding != "" {
		cfg.Encoding = ec.Encoding
	}

	tok, err := summarizer.NewTiktokenTokenizer(cfg.Encoding)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load tokenizer", slog.Any("error", err))
		return 1
	}

	clientConfig := openai.DefaultConfig(ec.OpenAIKey)
	if ec.OpenAIBaseURL != "" {
		clientConfig.BaseURL = ec.OpenAIBaseURL
	}
	launcher, err := summarizer.NewLauncher(cfg, tok,
		summarizer.NewDatasetFetcher(ec.DatasetsURL, nil),
		openai.NewClientWithConfig(clientConfig))
	if err != nil {
		slog.ErrorContext(ctx, "failed to configure training", slog.Any("error", err))
		return 1
	}

	if _, err := launcher.Run(ctx); err != nil {
		slog.ErrorContext(ctx, "training failed", slog.Any("error", err))
		return 1
	}
	fmt.Fprintf(stdout, "Model trained and saved to %s\n", cfg.OutputDir)
	return 0
}
