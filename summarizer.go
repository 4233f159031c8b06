package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrNoBackends       = errors.New("no summarization backends configured")
	ErrEmptyResponse    = errors.New("backend returned no summary candidates")
	ErrAllRetriesFailed = errors.New("all retries have failed")
)

// Client owns the tokenizer and backend connections for the life of the
// process. Build it once and reuse it across requests.
type Client struct {
	hfClients     []*hfClient
	azureClients  []openai.Client
	openaiClients []openai.Client
	httpClient    *http.Client
	truncator     Truncator
	cache         Cache
	llmLogger     LLMLogger
	config        Config
}

type clientOptions struct {
	tokenizer  Tokenizer
	httpClient *http.Client
	llmLogger  LLMLogger
}

type Option func(*clientOptions)

// WithTokenizer skips loading the configured BPE.
func WithTokenizer(t Tokenizer) Option {
	return func(o *clientOptions) { o.tokenizer = t }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

func WithLLMLogger(l LLMLogger) Option {
	return func(o *clientOptions) { o.llmLogger = l }
}

func NewClientNoCache(config Config, opts ...Option) (*Client, error) {
	return NewClient(config, NoCache{}, opts...)
}

func NewClient(config Config, cache Cache, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := clientOptions{
		httpClient: &http.Client{},
		llmLogger:  NoOpLogger{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.tokenizer == nil {
		tok, err := NewTiktokenTokenizer(config.Encoding)
		if err != nil {
			return nil, err
		}
		options.tokenizer = tok
	}
	if cache == nil {
		cache = NoCache{}
	}

	var hfClients []*hfClient
	var azureClients []openai.Client
	var openaiClients []openai.Client
	for _, ac := range config.AccessConfigs {
		switch ac.APIType {
		case APITypeHFInference:
			hfClients = append(hfClients, newHFClient(options.httpClient, ac))
		case APITypeAzure:
			clientConfig := openai.DefaultAzureConfig(ac.AuthToken, ac.BaseURL)
			clientConfig.HTTPClient = options.httpClient
			azureClients = append(azureClients, *openai.NewClientWithConfig(clientConfig))
		case APITypeOpenAI:
			clientConfig := openai.DefaultConfig(ac.AuthToken)
			if ac.BaseURL != "" {
				clientConfig.BaseURL = ac.BaseURL
			}
			clientConfig.HTTPClient = options.httpClient
			openaiClients = append(openaiClients, *openai.NewClientWithConfig(clientConfig))
		}
	}

	slog.Info("summarizer initialized",
		slog.String("model", config.Model),
		slog.String("encoding", config.Encoding),
		slog.Int("max_input_tokens", config.MaxInputTokens),
		slog.Int("hf_clients", len(hfClients)),
		slog.Int("azure_clients", len(azureClients)),
		slog.Int("openai_clients", len(openaiClients)))

	return &Client{
		hfClients:     hfClients,
		azureClients:  azureClients,
		openaiClients: openaiClients,
		httpClient:    options.httpClient,
		truncator: Truncator{
			Tokenizer:      options.tokenizer,
			MaxInputTokens: config.MaxInputTokens,
			ReservedTokens: config.ReservedTokens,
		},
		cache:     cache,
		llmLogger: options.llmLogger,
		config:    config,
	}, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// Prepare returns the exact text that would be sent to the model.
func (c *Client) Prepare(req SummaryRequest) string {
	return c.truncator.Truncate(PruneInvisibleCharacters(AssembleInput(req)))
}

func (c *Client) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	text := c.Prepare(req)
	slog.InfoContext(ctx, "Summarizing",
		slog.Int("bytes", len(text)),
		slog.Int("tokens", c.truncator.Count(text)))

	cacheKey := "summary:" + GetMD5Hash(c.config.Model+"\n"+text)
	if cached := c.cache.Get(cacheKey); cached != nil {
		slog.InfoContext(ctx, "Summary served from cache")
		return *cached, nil
	}

	summary, err := c.requestSummary(ctx, text)
	if err != nil {
		return "", err
	}

	if n := c.truncator.Count(summary); n < c.config.MinLength || n > c.config.MaxLength {
		slog.WarnContext(ctx, "Summary length outside requested bounds",
			slog.Int("tokens", n),
			slog.Int("min_length", c.config.MinLength),
			slog.Int("max_length", c.config.MaxLength))
	}

	c.cache.Set(cacheKey, summary)
	return summary, nil
}

func (c *Client) requestSummary(ctx context.Context, text string) (string, error) {
	var lastErr error

	if len(c.hfClients) > 0 {
		for i := 0; i < c.config.MaxAttempts; i++ {
			client := c.hfClients[rand.Intn(len(c.hfClients))]
			res, err := c.doRequestHF(ctx, client, text)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
	}
	if len(c.azureClients) > 0 {
		for i := 0; i < c.config.MaxAttempts; i++ {
			client := &c.azureClients[rand.Intn(len(c.azureClients))]
			res, err := c.doRequestChat(ctx, client, text, APITypeAzure)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
	}
	if len(c.openaiClients) > 0 {
		for i := 0; i < c.config.MaxAttempts; i++ {
			client := &c.openaiClients[rand.Intn(len(c.openaiClients))]
			res, err := c.doRequestChat(ctx, client, text, APITypeOpenAI)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		return "", ErrNoBackends
	}
	return "", fmt.Errorf("%w: %w", ErrAllRetriesFailed, lastErr)
}

func (c *Client) doRequestHF(ctx context.Context, client *hfClient, text string) (string, error) {
	candidates, err := client.summarize(ctx, c.config.Model, HFSummarizationRequest{
		Inputs: text,
		Parameters: HFSummarizationParameters{
			MinLength: c.config.MinLength,
			MaxLength: c.config.MaxLength,
			DoSample:  false,
		},
		Options: HFRequestOptions{WaitForModel: true, UseCache: true},
	})
	if err != nil {
		slog.ErrorContext(ctx, "hf inference error", slog.Any("error", err))
		return "", err
	}
	if len(candidates) == 0 || candidates[0].SummaryText == "" {
		return "", ErrEmptyResponse
	}

	summary := candidates[0].SummaryText
	c.llmLogger.Log(text, summary, APITypeHFInference)
	return summary, nil
}

func (c *Client) doRequestChat(ctx context.Context, client *openai.Client, text string, api APIType) (string, error) {
	instruction := fmt.Sprintf(
		"Summarize the following news article in %d to %d tokens. Reply with the summary only.",
		c.config.MinLength, c.config.MaxLength)

	resp, err := client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.config.ChatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: instruction},
				{Role: openai.ChatMessageRoleUser, Content: text},
			},
			MaxTokens: c.config.MaxLength,
			// A literal 0 is dropped by omitempty and the API would sample at 1.
			Temperature: math.SmallestNonzeroFloat32,
			Stream:      false,
		},
	)
	if err != nil {
		slog.ErrorContext(ctx, "openai error", slog.String("api", string(api)), slog.Any("error", err))
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}

	summary := resp.Choices[0].Message.Content
	c.llmLogger.Log(text, summary, api)
	return summary, nil
}

func PruneInvisibleCharacters(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, s)
}
