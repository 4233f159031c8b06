package summarizer_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	summarizer "github.com/powerivq/bartsum"
)

func TestDefaultTrainingJobConfig(t *testing.T) {
	cfg := summarizer.DefaultTrainingJobConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./bart_cnn_model", cfg.OutputDir)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Epochs)
	assert.Equal(t, 500, cfg.SaveSteps)
	assert.Equal(t, 2, cfg.SaveTotalLimit)
	assert.Equal(t, 100, cfg.LoggingSteps)
	assert.True(t, cfg.FP16)
	assert.Equal(t, "no", cfg.EvaluationStrategy)
	assert.Equal(t, 2000, cfg.TrainExamples)
	assert.Equal(t, 1024, cfg.MaxSourceTokens)
	assert.Equal(t, 128, cfg.MaxTargetTokens)
	assert.Equal(t, 1000, cfg.TotalSteps(cfg.TrainExamples))
}

func TestTrainingJobConfigRejectsEvaluation(t *testing.T) {
	cfg := summarizer.DefaultTrainingJobConfig()
	cfg.EvaluationStrategy = "steps"
	assert.Error(t, cfg.Validate())
}

func TestPreprocess(t *testing.T) {
	tok := newWordTokenizer()
	cfg := summarizer.DefaultTrainingJobConfig()
	cfg.MaxSourceTokens = 7
	cfg.MaxTargetTokens = 4

	rows := summarizer.DatasetRows{
		Features: []string{"article", "highlights", "id"},
		Rows: []map[string]any{
			{"article": "one two three four five six seven eight", "highlights": "alpha beta gamma", "id": "a"},
			{"article": "short", "highlights": "tiny", "id": "b"},
		},
	}

	examples := summarizer.Preprocess(tok, rows, cfg)
	require.Len(t, examples, 2)
	assert.Len(t, examples[0].InputIDs, 5)
	assert.Len(t, examples[0].Labels, 2)
	assert.Equal(t, "one two three four five", examples[0].Source)
	assert.Equal(t, "alpha beta", examples[0].Target)
	assert.Equal(t, "short", examples[1].Source)
	assert.Equal(t, "tiny", examples[1].Target)
}

// fakeTrainer reports step events every stride steps starting at firstStep.
// After the n-th job retrieval the newest visible step is pollSteps[n-1];
// the job turns finalStatus on the last retrieval.
type fakeTrainer struct {
	retrieves   int32
	finalStatus string
	firstStep   int
	stride      int
	pollSteps   []int
	extra       []string
	uploaded    []string
	jobRequest  map[string]any
	limits      []string
}

func newFakeTrainer(finalStatus string) *fakeTrainer {
	return &fakeTrainer{
		finalStatus: finalStatus,
		firstStep:   100,
		stride:      100,
		pollSteps:   []int{400, 1000},
	}
}

func (f *fakeTrainer) retrieved() int {
	n := int(atomic.LoadInt32(&f.retrieves))
	return min(max(n, 1), len(f.pollSteps))
}

func (f *fakeTrainer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/files", func(w http.ResponseWriter, r *http.Request) {
		if !assert.NoError(t, r.ParseMultipartForm(10<<20)) {
			return
		}
		assert.Equal(t, "fine-tune", r.FormValue("purpose"))
		file, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		sc := bufio.NewScanner(file)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			f.uploaded = append(f.uploaded, sc.Text())
		}
		writeJSONResponse(w, `{"id":"file-1","object":"file","bytes":10,"created_at":1,"filename":"train.jsonl","purpose":"fine-tune"}`)
	})
	mux.HandleFunc("POST /v1/fine_tuning/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.jobRequest))
		writeJSONResponse(w, `{"id":"ftjob-1","object":"fine_tuning.job","created_at":1,"model":"gpt-4o-mini-2024-07-18","status":"validating_files","training_file":"file-1"}`)
	})
	mux.HandleFunc("GET /v1/fine_tuning/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ftjob-1", r.PathValue("id"))
		status, model := "running", ""
		if int(atomic.AddInt32(&f.retrieves, 1)) >= len(f.pollSteps) {
			status = f.finalStatus
			if status == "succeeded" {
				model = "ft:gpt-4o-mini-2024-07-18:org::abc123"
			}
		}
		writeJSONResponse(w, fmt.Sprintf(`{"id":"ftjob-1","object":"fine_tuning.job","created_at":1,"model":"gpt-4o-mini-2024-07-18","fine_tuned_model":%q,"status":%q,"training_file":"file-1"}`, model, status))
	})
	mux.HandleFunc("GET /v1/fine_tuning/jobs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		last := f.pollSteps[f.retrieved()-1]
		var events []string
		for step := f.firstStep + (last-f.firstStep)/f.stride*f.stride; step >= f.firstStep; step -= f.stride {
			events = append(events, fmt.Sprintf(`{"object":"fine_tuning.job.event","created_at":%d,"level":"info","message":"Step %d/1000: training loss=%.2f"}`, step, step, 2.0-float64(step)/1000))
		}
		for _, msg := range f.extra {
			events = append(events, fmt.Sprintf(`{"object":"fine_tuning.job.event","created_at":0,"level":"info","message":%q}`, msg))
		}
		events = append(events, `{"object":"fine_tuning.job.event","created_at":0,"level":"info","message":"Fine-tuning job started"}`)

		limit := r.URL.Query().Get("limit")
		f.limits = append(f.limits, limit)
		hasMore := false
		if n, err := strconv.Atoi(limit); err == nil && n < len(events) {
			events, hasMore = events[:n], true
		}
		writeJSONResponse(w, fmt.Sprintf(`{"object":"list","data":[%s],"has_more":%t}`, strings.Join(events, ","), hasMore))
	})
	return mux
}

func writeJSONResponse(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newTestLauncher(t *testing.T, trainer *fakeTrainer, mutate func(*summarizer.TrainingJobConfig)) (*summarizer.Launcher, summarizer.TrainingJobConfig) {
	t.Helper()
	rows, _ := newRowsServer(t, 20)
	api := httptest.NewServer(trainer.handler(t))
	t.Cleanup(api.Close)

	cfg := summarizer.DefaultTrainingJobConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "bart_cnn_model")
	cfg.TrainExamples = 20
	cfg.MaxSourceTokens = 8
	cfg.MaxTargetTokens = 4
	cfg.PollInterval = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	clientConfig := openai.DefaultConfig("sk-test")
	clientConfig.BaseURL = api.URL + "/v1"
	launcher, err := summarizer.NewLauncher(cfg, newWordTokenizer(),
		summarizer.NewDatasetFetcher(rows.URL, nil),
		openai.NewClientWithConfig(clientConfig))
	require.NoError(t, err)
	return launcher, cfg
}

func TestLauncherRun(t *testing.T) {
	trainer := newFakeTrainer("succeeded")
	launcher, cfg := newTestLauncher(t, trainer, func(c *summarizer.TrainingJobConfig) { c.SaveSteps = 200 })

	model, err := launcher.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ft:gpt-4o-mini-2024-07-18:org::abc123", model.FineTunedModel)
	assert.Equal(t, 20, model.Examples)

	require.Len(t, trainer.uploaded, 20)
	var chat struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(trainer.uploaded[0]), &chat))
	require.Len(t, chat.Messages, 3)
	assert.Equal(t, "Article 0 body, with a comma.", chat.Messages[1].Content)
	assert.Equal(t, "Highlight 0", chat.Messages[2].Content)

	hp, ok := trainer.jobRequest["hyperparameters"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, hp["n_epochs"])
	assert.EqualValues(t, 2, hp["batch_size"])
	assert.Equal(t, "file-1", trainer.jobRequest["training_file"])

	checkpoints, err := filepath.Glob(filepath.Join(cfg.OutputDir, "checkpoint-*.json"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(cfg.OutputDir, "checkpoint-800.json"),
		filepath.Join(cfg.OutputDir, "checkpoint-1000.json"),
	}, checkpoints)

	for _, name := range []string{"model.json", "tokenizer.json", "tokenized.jsonl", "train.jsonl"} {
		_, err := os.Stat(filepath.Join(cfg.OutputDir, name))
		assert.NoError(t, err, name)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, "tokenizer.json"))
	require.NoError(t, err)
	var tokManifest map[string]any
	require.NoError(t, json.Unmarshal(raw, &tokManifest))
	assert.Equal(t, summarizer.DefaultEncoding, tokManifest["encoding"])
	assert.EqualValues(t, 8, tokManifest["max_source_tokens"])
}

func TestLauncherRunDefaultCheckpointCadence(t *testing.T) {
	trainer := newFakeTrainer("succeeded")
	launcher, cfg := newTestLauncher(t, trainer, nil)

	_, err := launcher.Run(context.Background())
	require.NoError(t, err)

	checkpoints, err := filepath.Glob(filepath.Join(cfg.OutputDir, "checkpoint-*.json"))
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)

	raw, err := os.ReadFile(filepath.Join(cfg.OutputDir, "checkpoint-500.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"step": 500`)
}

func TestLauncherRunFailedJob(t *testing.T) {
	trainer := newFakeTrainer("failed")
	launcher, cfg := newTestLauncher(t, trainer, nil)

	_, err := launcher.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")

	_, statErr := os.Stat(filepath.Join(cfg.OutputDir, "model.json"))
	assert.True(t, os.IsNotExist(statErr))
}

// captureProgress records the steps of "training progress" log lines.
func captureProgress(t *testing.T) func() []int {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return func() []int {
		var steps []int
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var entry struct {
				Msg  string `json:"msg"`
				Step int    `json:"step"`
			}
			if json.Unmarshal([]byte(line), &entry) == nil && entry.Msg == "training progress" {
				steps = append(steps, entry.Step)
			}
		}
		return steps
	}
}

func checkpointFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint-*.json"))
	require.NoError(t, err)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	return names
}

func TestLauncherFiresOnBoundaryCrossing(t *testing.T) {
	progress := captureProgress(t)
	trainer := newFakeTrainer("succeeded")
	trainer.firstStep, trainer.stride = 10, 20
	trainer.pollSteps = []int{490, 1010}
	launcher, cfg := newTestLauncher(t, trainer, nil)

	_, err := launcher.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"checkpoint-510.json", "checkpoint-1010.json"}, checkpointFiles(t, cfg.OutputDir))
	assert.Equal(t, []int{110, 210, 310, 410, 510, 610, 710, 810, 910, 1010}, progress())
}

func TestLauncherWidensEventPage(t *testing.T) {
	trainer := newFakeTrainer("succeeded")
	trainer.firstStep, trainer.stride = 10, 10
	trainer.pollSteps = []int{490, 1000}
	launcher, cfg := newTestLauncher(t, trainer, nil)

	_, err := launcher.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"50", "50", "100"}, trainer.limits)
	assert.ElementsMatch(t, []string{"checkpoint-500.json", "checkpoint-1000.json"}, checkpointFiles(t, cfg.OutputDir))
}

func TestLauncherSkipsMalformedStepEvents(t *testing.T) {
	trainer := newFakeTrainer("succeeded")
	trainer.pollSteps = []int{400, 400}
	trainer.extra = []string{"Step 500/1000: training loss=1.2.3"}
	launcher, cfg := newTestLauncher(t, trainer, nil)

	_, err := launcher.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, checkpointFiles(t, cfg.OutputDir))
}
