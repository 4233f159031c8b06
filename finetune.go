package summarizer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const trainingInstruction = "Summarize the following news article."

const (
	eventsPageSize    = 50
	maxEventsPageSize = 6400
)

var stepMatcher = regexp.MustCompile(`Step (\d+)/(\d+): training loss=([0-9.]+)`)

// TrainingJobConfig describes one fine-tuning run. The zero value is not
// usable; start from DefaultTrainingJobConfig.
type TrainingJobConfig struct {
	OutputDir string
	// BaseModel is the remote model the job fine-tunes.
	BaseModel string
	Dataset   DatasetRef
	Encoding  string

	BatchSize      int
	Epochs         int
	SaveSteps      int
	SaveTotalLimit int
	LoggingSteps   int
	// FP16 is recorded with the trained model. Precision on hosted
	// trainers is chosen server side.
	FP16               bool
	EvaluationStrategy string

	TrainExamples   int
	MaxSourceTokens int
	MaxTargetTokens int
	ReservedTokens  int

	PollInterval time.Duration
}

func DefaultTrainingJobConfig() TrainingJobConfig {
	return TrainingJobConfig{
		OutputDir:          "./bart_cnn_model",
		BaseModel:          "gpt-4o-mini-2024-07-18",
		Dataset:            DefaultDatasetRef(),
		Encoding:           DefaultEncoding,
		BatchSize:          2,
		Epochs:             1,
		SaveSteps:          500,
		SaveTotalLimit:     2,
		LoggingSteps:       100,
		FP16:               true,
		EvaluationStrategy: "no",
		TrainExamples:      2000,
		MaxSourceTokens:    DefaultMaxInputTokens,
		MaxTargetTokens:    128,
		ReservedTokens:     DefaultReservedTokens,
		PollInterval:       30 * time.Second,
	}
}

func (c TrainingJobConfig) Validate() error {
	switch {
	case c.OutputDir == "":
		return errors.New("output dir cannot be empty")
	case c.BaseModel == "":
		return errors.New("base model cannot be empty")
	case c.BatchSize <= 0 || c.Epochs <= 0:
		return fmt.Errorf("batch size and epochs must be positive, got %d and %d", c.BatchSize, c.Epochs)
	case c.SaveSteps <= 0 || c.SaveTotalLimit <= 0 || c.LoggingSteps <= 0:
		return errors.New("save steps, save total limit and logging steps must be positive")
	case c.TrainExamples <= 0:
		return fmt.Errorf("train examples must be positive, got %d", c.TrainExamples)
	case c.MaxSourceTokens <= c.ReservedTokens || c.MaxTargetTokens <= c.ReservedTokens:
		return errors.New("max source and target tokens must exceed reserved tokens")
	case c.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case c.EvaluationStrategy != "no":
		return fmt.Errorf("evaluation strategy %q is not supported", c.EvaluationStrategy)
	}
	return nil
}

// TotalSteps is the optimizer step count the run is expected to take.
func (c TrainingJobConfig) TotalSteps(examples int) int {
	return (examples + c.BatchSize - 1) / c.BatchSize * c.Epochs
}

type TokenizedExample struct {
	InputIDs []int  `json:"input_ids"`
	Labels   []int  `json:"labels"`
	Source   string `json:"-"`
	Target   string `json:"-"`
}

// Preprocess maps article/highlights rows to model-ready id sequences.
func Preprocess(tok Tokenizer, rows DatasetRows, cfg TrainingJobConfig) []TokenizedExample {
	examples := make([]TokenizedExample, 0, len(rows.Rows))
	for i := range rows.Rows {
		source := Truncate(tok, rows.Column(i, "article"), cfg.MaxSourceTokens-cfg.ReservedTokens)
		target := Truncate(tok, rows.Column(i, "highlights"), cfg.MaxTargetTokens-cfg.ReservedTokens)
		examples = append(examples, TokenizedExample{
			InputIDs: tok.Encode(source),
			Labels:   tok.Encode(target),
			Source:   source,
			Target:   target,
		})
	}
	return examples
}

type TrainedModel struct {
	JobID          string            `json:"job_id"`
	BaseModel      string            `json:"base_model"`
	FineTunedModel string            `json:"fine_tuned_model"`
	Status         string            `json:"status"`
	Examples       int               `json:"examples"`
	Config         TrainingJobConfig `json:"config"`
}

type tokenizerManifest struct {
	Encoding        string `json:"encoding"`
	MaxSourceTokens int    `json:"max_source_tokens"`
	MaxTargetTokens int    `json:"max_target_tokens"`
	ReservedTokens  int    `json:"reserved_tokens"`
}

type checkpoint struct {
	Step       int     `json:"step"`
	TotalSteps int     `json:"total_steps"`
	TrainLoss  float64 `json:"train_loss"`
	JobID      string  `json:"job_id"`
	Status     string  `json:"status"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatExample struct {
	Messages []chatMessage `json:"messages"`
}

// Launcher runs a fine-tuning job against a hosted trainer.
type Launcher struct {
	config      TrainingJobConfig
	tokenizer   Tokenizer
	fetcher     *DatasetFetcher
	client      *openai.Client
	checkpoints []string
	lastStep    int
}

func NewLauncher(config TrainingJobConfig, tok Tokenizer, fetcher *DatasetFetcher, client *openai.Client) (*Launcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	return &Launcher{
		config:    config,
		tokenizer: tok,
		fetcher:   fetcher,
		client:    client,
	}, nil
}

func (l *Launcher) Run(ctx context.Context) (*TrainedModel, error) {
	cfg := l.config

	rows, err := l.fetcher.FetchRows(ctx, cfg.Dataset, 0, cfg.TrainExamples)
	if err != nil {
		return nil, fmt.Errorf("fetch training rows: %w", err)
	}
	if len(rows.Rows) == 0 {
		return nil, errors.New("dataset returned no training rows")
	}
	examples := Preprocess(l.tokenizer, rows, cfg)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := writeJSONL(filepath.Join(cfg.OutputDir, "tokenized.jsonl"), examples); err != nil {
		return nil, err
	}
	chats := make([]chatExample, 0, len(examples))
	for _, ex := range examples {
		chats = append(chats, chatExample{Messages: []chatMessage{
			{Role: openai.ChatMessageRoleSystem, Content: trainingInstruction},
			{Role: openai.ChatMessageRoleUser, Content: ex.Source},
			{Role: openai.ChatMessageRoleAssistant, Content: ex.Target},
		}})
	}
	trainPath := filepath.Join(cfg.OutputDir, "train.jsonl")
	if err := writeJSONL(trainPath, chats); err != nil {
		return nil, err
	}

	file, err := l.client.CreateFile(ctx, openai.FileRequest{
		FileName: "train.jsonl",
		FilePath: trainPath,
		Purpose:  "fine-tune",
	})
	if err != nil {
		return nil, fmt.Errorf("upload training file: %w", err)
	}

	job, err := l.client.CreateFineTuningJob(ctx, openai.FineTuningJobRequest{
		TrainingFile: file.ID,
		Model:        cfg.BaseModel,
		Hyperparameters: &openai.Hyperparameters{
			Epochs:    cfg.Epochs,
			BatchSize: cfg.BatchSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create fine-tuning job: %w", err)
	}
	totalSteps := cfg.TotalSteps(len(examples))
	slog.InfoContext(ctx, "fine-tuning job created",
		slog.String("job_id", job.ID),
		slog.String("training_file", file.ID),
		slog.Int("examples", len(examples)),
		slog.Int("total_steps", totalSteps))

	for !isTerminal(job.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.PollInterval):
		}

		job, err = l.client.RetrieveFineTuningJob(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieve fine-tuning job: %w", err)
		}
		if err := l.processEvents(ctx, job.ID, job.Status); err != nil {
			return nil, err
		}
	}

	if job.Status != "succeeded" {
		return nil, fmt.Errorf("fine-tuning job %s ended with status %s", job.ID, job.Status)
	}

	model := &TrainedModel{
		JobID:          job.ID,
		BaseModel:      cfg.BaseModel,
		FineTunedModel: job.FineTunedModel,
		Status:         job.Status,
		Examples:       len(examples),
		Config:         cfg,
	}
	if err := writeJSON(filepath.Join(cfg.OutputDir, "model.json"), model); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(cfg.OutputDir, "tokenizer.json"), tokenizerManifest{
		Encoding:        cfg.Encoding,
		MaxSourceTokens: cfg.MaxSourceTokens,
		MaxTargetTokens: cfg.MaxTargetTokens,
		ReservedTokens:  cfg.ReservedTokens,
	}); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "fine-tuned model saved",
		slog.String("fine_tuned_model", job.FineTunedModel),
		slog.String("output_dir", cfg.OutputDir))
	return model, nil
}

// processEvents logs and snapshots step events newer than the last one seen.
// Logging and checkpoints fire on the first event at or past each interval
// boundary, since polling rarely observes the exact boundary step.
func (l *Launcher) processEvents(ctx context.Context, jobID, status string) error {
	events, err := l.listStepEvents(ctx, jobID)
	if err != nil {
		return err
	}

	var steps []checkpoint
	for _, msg := range events {
		cp, ok := parseStepEvent(msg)
		if !ok {
			continue
		}
		if cp.Step > l.lastStep {
			cp.JobID, cp.Status = jobID, status
			steps = append(steps, cp)
		}
	}
	// The API lists newest first.
	sort.Slice(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })

	for _, cp := range steps {
		if cp.Step/l.config.LoggingSteps > l.lastStep/l.config.LoggingSteps {
			slog.InfoContext(ctx, "training progress",
				slog.Int("step", cp.Step),
				slog.Int("total_steps", cp.TotalSteps),
				slog.Float64("train_loss", cp.TrainLoss))
		}
		if cp.Step/l.config.SaveSteps > l.lastStep/l.config.SaveSteps {
			if err := l.saveCheckpoint(cp); err != nil {
				return err
			}
		}
		l.lastStep = cp.Step
	}
	return nil
}

// listStepEvents returns event messages, newest first, reaching back at
// least to the last step already handled. Event entries carry no cursor id,
// so the page is widened until it overlaps what was seen or the list ends.
func (l *Launcher) listStepEvents(ctx context.Context, jobID string) ([]string, error) {
	for limit := eventsPageSize; ; limit *= 2 {
		events, err := l.client.ListFineTuningJobEvents(ctx, jobID,
			openai.ListFineTuningJobEventsWithLimit(limit))
		if err != nil {
			return nil, fmt.Errorf("list fine-tuning events: %w", err)
		}

		messages := make([]string, 0, len(events.Data))
		overlaps := false
		for _, ev := range events.Data {
			messages = append(messages, ev.Message)
			if cp, ok := parseStepEvent(ev.Message); ok && cp.Step <= l.lastStep {
				overlaps = true
			}
		}
		if !events.HasMore || overlaps {
			return messages, nil
		}
		if limit >= maxEventsPageSize {
			slog.WarnContext(ctx, "fine-tuning events exceed page limit, older steps skipped",
				slog.String("job_id", jobID),
				slog.Int("limit", limit))
			return messages, nil
		}
	}
}

func parseStepEvent(message string) (checkpoint, bool) {
	m := stepMatcher.FindStringSubmatch(message)
	if m == nil {
		return checkpoint{}, false
	}
	step, err := strconv.Atoi(m[1])
	if err != nil {
		slog.Debug("skipping step event", slog.String("message", message), slog.Any("error", err))
		return checkpoint{}, false
	}
	total, err := strconv.Atoi(m[2])
	if err != nil {
		slog.Debug("skipping step event", slog.String("message", message), slog.Any("error", err))
		return checkpoint{}, false
	}
	loss, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		slog.Debug("skipping step event", slog.String("message", message), slog.Any("error", err))
		return checkpoint{}, false
	}
	return checkpoint{Step: step, TotalSteps: total, TrainLoss: loss}, true
}

func (l *Launcher) saveCheckpoint(cp checkpoint) error {
	path := filepath.Join(l.config.OutputDir, fmt.Sprintf("checkpoint-%d.json", cp.Step))
	if err := writeJSON(path, cp); err != nil {
		return err
	}
	l.checkpoints = append(l.checkpoints, path)
	for len(l.checkpoints) > l.config.SaveTotalLimit {
		if err := os.Remove(l.checkpoints[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rotate checkpoint: %w", err)
		}
		l.checkpoints = l.checkpoints[1:]
	}
	return nil
}

func isTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "cancelled":
		return true
	}
	return false
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeJSONL[T any](path string, items []T) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return file.Close()
}
