package summarizer

import "log/slog"

type LLMLogger interface {
	Log(prompt string, completion string, api APIType)
}

type NoOpLogger struct{}

func (c NoOpLogger) Log(prompt string, completion string, api APIType) {}

// SlogLogger records each exchange at debug level.
type SlogLogger struct {
	Logger *slog.Logger
}

func (c SlogLogger) Log(prompt string, completion string, api APIType) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("llm exchange",
		slog.String("api", string(api)),
		slog.Int("prompt_bytes", len(prompt)),
		slog.String("completion", completion))
}
