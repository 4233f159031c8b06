package summarizer_test

import "strings"

// wordTokenizer maps whitespace-separated words to ids. Decode(Encode(x))
// equals x with whitespace collapsed to single spaces.
type wordTokenizer struct {
	ids   map[string]int
	words []string
}

func newWordTokenizer() *wordTokenizer {
	return &wordTokenizer{ids: map[string]int{}}
}

func (t *wordTokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	tokens := make([]int, 0, len(fields))
	for _, w := range fields {
		id, ok := t.ids[w]
		if !ok {
			id = len(t.words)
			t.ids[w] = id
			t.words = append(t.words, w)
		}
		tokens = append(tokens, id)
	}
	return tokens
}

func (t *wordTokenizer) Decode(tokens []int) string {
	words := make([]string, len(tokens))
	for i, id := range tokens {
		words[i] = t.words[id]
	}
	return strings.Join(words, " ")
}

func words(n int, prefix string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(prefix)
		b.WriteString(strings.Repeat("x", i%7+1))
	}
	return b.String()
}
