package summarizer

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var offlineLoader sync.Once

type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads the named BPE from ranks embedded in the
// binary, so no network is needed. Build one per process.
func NewTiktokenTokenizer(encoding string) (Tokenizer, error) {
	offlineLoader.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &tiktokenTokenizer{encoding: tke}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	// Special-token strings in user text are encoded as plain bytes.
	return t.encoding.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}

// Truncate cuts text to at most maxUnits tokens at token boundaries. Anything
// past the limit is dropped. A cut through a multi-byte character drops the
// partial character.
func Truncate(tok Tokenizer, text string, maxUnits int) string {
	if maxUnits <= 0 {
		return ""
	}
	tokens := tok.Encode(text)
	if len(tokens) <= maxUnits {
		return tok.Decode(tokens)
	}

	n := maxUnits
	for n > 0 {
		out := tok.Decode(tokens[:n])
		if utf8.ValidString(out) && len(tok.Encode(out)) <= maxUnits {
			slog.Debug("input truncated",
				slog.Int("original_tokens", len(tokens)),
				slog.Int("kept_tokens", n))
			return out
		}
		n--
	}
	return ""
}

// Truncator binds a tokenizer to a model's context length.
type Truncator struct {
	Tokenizer      Tokenizer
	MaxInputTokens int
	ReservedTokens int
}

func (t Truncator) Budget() int {
	return t.MaxInputTokens - t.ReservedTokens
}

func (t Truncator) Truncate(text string) string {
	return Truncate(t.Tokenizer, text, t.Budget())
}

// Count returns the number of units text encodes to.
func (t Truncator) Count(text string) int {
	return len(t.Tokenizer.Encode(text))
}
