package summarizer

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type APIType string

const (
	APITypeOpenAI      APIType = "OPEN_AI"
	APITypeAzure       APIType = "AZURE"
	APITypeHFInference APIType = "HF_INFERENCE"
)

const (
	DefaultModel          = "facebook/bart-large-cnn"
	DefaultChatModel      = "gpt-4o-mini"
	DefaultEncoding       = "r50k_base"
	DefaultHFInferenceURL = "https://router.huggingface.co/hf-inference/models"

	// BART counts <s> and </s> against its 1024 positions.
	DefaultMaxInputTokens = 1024
	DefaultReservedTokens = 2
	DefaultMinLength      = 40
	DefaultMaxLength      = 150
)

type AccessConfig struct {
	AuthToken string
	BaseURL   string
	APIType   APIType
}

// Config holds everything the summarize flow used to hard-code.
type Config struct {
	AccessConfigs []AccessConfig

	// Model is the hosted summarization model for HF_INFERENCE backends.
	Model string
	// ChatModel is the deployment/model name used by OPEN_AI and AZURE backends.
	ChatModel string
	// Encoding names the tiktoken BPE used for truncation.
	Encoding string

	MaxInputTokens int
	ReservedTokens int
	MinLength      int
	MaxLength      int

	// MaxAttempts per backend pool. 1 means no retries.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Model:          DefaultModel,
		ChatModel:      DefaultChatModel,
		Encoding:       DefaultEncoding,
		MaxInputTokens: DefaultMaxInputTokens,
		ReservedTokens: DefaultReservedTokens,
		MinLength:      DefaultMinLength,
		MaxLength:      DefaultMaxLength,
		MaxAttempts:    1,
	}
}

func (c Config) Validate() error {
	if c.MaxInputTokens <= c.ReservedTokens {
		return fmt.Errorf("max input tokens %d must exceed reserved tokens %d", c.MaxInputTokens, c.ReservedTokens)
	}
	if c.ReservedTokens < 0 {
		return fmt.Errorf("reserved tokens must not be negative, got %d", c.ReservedTokens)
	}
	if c.MinLength < 0 || c.MaxLength <= 0 || c.MinLength > c.MaxLength {
		return fmt.Errorf("invalid generation bounds [%d, %d]", c.MinLength, c.MaxLength)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Encoding == "" {
		return errors.New("tokenizer encoding cannot be empty")
	}
	if len(c.AccessConfigs) == 0 {
		return ErrNoBackends
	}
	for _, ac := range c.AccessConfigs {
		switch ac.APIType {
		case APITypeHFInference:
			if c.Model == "" {
				return errors.New("model cannot be empty for HF_INFERENCE")
			}
		case APITypeOpenAI, APITypeAzure:
			if c.ChatModel == "" {
				return fmt.Errorf("chat model cannot be empty for %s", ac.APIType)
			}
		default:
			return fmt.Errorf("unknown api type %q", ac.APIType)
		}
	}
	return nil
}

// EnvConfig is the environment surface shared by the CLIs.
type EnvConfig struct {
	HFToken        string `env:"HF_TOKEN"`
	HFInferenceURL string `env:"HF_INFERENCE_URL"            envDefault:"https://router.huggingface.co/hf-inference/models"`
	OpenAIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL"`
	AzureKey       string `env:"AZURE_OPENAI_KEY"`
	AzureEndpoint  string `env:"AZURE_OPENAI_ENDPOINT"`
	Model          string `env:"SUMMARIZER_MODEL"            envDefault:"facebook/bart-large-cnn"`
	ChatModel      string `env:"SUMMARIZER_CHAT_MODEL"       envDefault:"gpt-4o-mini"`
	MaxInputTokens int    `env:"SUMMARIZER_MAX_INPUT_TOKENS" envDefault:"1024"`
	MinLength      int    `env:"SUMMARIZER_MIN_LENGTH"       envDefault:"40"`
	MaxLength      int    `env:"SUMMARIZER_MAX_LENGTH"       envDefault:"150"`
	MaxAttempts    int    `env:"SUMMARIZER_MAX_ATTEMPTS"     envDefault:"1"`
	Encoding       string `env:"TOKENIZER_ENCODING"          envDefault:"r50k_base"`
	DatasetsURL    string `env:"DATASETS_SERVER_URL"         envDefault:"https://datasets-server.huggingface.co"`
}

// LoadEnv reads an optional .env file and then the process environment.
func LoadEnv() (EnvConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return EnvConfig{}, fmt.Errorf("load .env: %w", err)
	}
	var ec EnvConfig
	if err := env.Parse(&ec); err != nil {
		return EnvConfig{}, fmt.Errorf("parse env: %w", err)
	}
	return ec, nil
}

// Config converts the environment into a summarizer Config. The HF backend
// is always present since the inference API accepts anonymous requests.
func (ec EnvConfig) Config() Config {
	cfg := DefaultConfig()
	cfg.Model = ec.Model
	cfg.ChatModel = ec.ChatModel
	cfg.Encoding = ec.Encoding
	cfg.MaxInputTokens = ec.MaxInputTokens
	cfg.MinLength = ec.MinLength
	cfg.MaxLength = ec.MaxLength
	cfg.MaxAttempts = ec.MaxAttempts

	cfg.AccessConfigs = append(cfg.AccessConfigs, AccessConfig{
		AuthToken: ec.HFToken,
		BaseURL:   ec.HFInferenceURL,
		APIType:   APITypeHFInference,
	})
	if ec.AzureKey != "" && ec.AzureEndpoint != "" {
		cfg.AccessConfigs = append(cfg.AccessConfigs, AccessConfig{
			AuthToken: ec.AzureKey,
			BaseURL:   ec.AzureEndpoint,
			APIType:   APITypeAzure,
		})
	}
	if ec.OpenAIKey != "" {
		cfg.AccessConfigs = append(cfg.AccessConfigs, AccessConfig{
			AuthToken: ec.OpenAIKey,
			BaseURL:   ec.OpenAIBaseURL,
			APIType:   APITypeOpenAI,
		})
	}
	return cfg
}

// LoadConfig is LoadEnv followed by Config and Validate.
func LoadConfig() (Config, error) {
	ec, err := LoadEnv()
	if err != nil {
		return Config{}, err
	}
	cfg := ec.Config()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
