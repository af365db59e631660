package compress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/recall/internal/index"
	"github.com/lazypower/recall/internal/llm"
	"github.com/lazypower/recall/internal/store"
)

// Abstract is a summarizer's output for one turn.
type Abstract struct {
	Synopsis string
	Keywords []string
}

// Summarizer condenses a turn. An error means no summary; the
// compressor then keeps the turn verbatim.
type Summarizer interface {
	Summarize(ctx context.Context, turn store.Turn) (*Abstract, error)
}

// KeywordSource supplies document frequencies for keyword weighting.
type KeywordSource interface {
	Tokenize(text string) []string
	DocFrequency(term string) int
	Stats() index.Stats
}

// Extractive builds summaries locally: the leading sentence of each
// side of the exchange, plus the turn's highest tf-idf terms.
type Extractive struct {
	Corpus      KeywordSource
	MaxKeywords int // default 6
	MaxChars    int // per side, default 160
}

// Summarize never calls out; it fails only on a turn with no text.
func (e *Extractive) Summarize(ctx context.Context, turn store.Turn) (*Abstract, error) {
	maxChars := e.MaxChars
	if maxChars <= 0 {
		maxChars = 160
	}
	user := truncateClean(leadingSentence(turn.UserText), maxChars)
	resp := truncateClean(leadingSentence(turn.ResponseText), maxChars)

	var synopsis string
	switch {
	case user != "" && resp != "":
		synopsis = user + " -> " + resp
	case user != "":
		synopsis = user
	case resp != "":
		synopsis = resp
	default:
		return nil, errors.New("extractive: turn has no text")
	}

	return &Abstract{
		Synopsis: synopsis,
		Keywords: e.keywords(turn.UserText + "\n" + turn.ResponseText),
	}, nil
}

func (e *Extractive) keywords(text string) []string {
	limit := e.MaxKeywords
	if limit <= 0 {
		limit = 6
	}
	if e.Corpus == nil {
		return nil
	}

	tokens := e.Corpus.Tokenize(text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	n := float64(e.Corpus.Stats().TotalDocs)
	type weighted struct {
		term   string
		weight float64
	}
	terms := make([]weighted, 0, len(tf))
	for term, count := range tf {
		// Smoothed idf keeps every weight positive, even for terms the
		// corpus has not seen yet.
		idf := math.Log((n+1)/(float64(e.Corpus.DocFrequency(term))+1)) + 1
		terms = append(terms, weighted{term, float64(count) * idf})
	}
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].weight != terms[j].weight {
			return terms[i].weight > terms[j].weight
		}
		return terms[i].term < terms[j].term
	})

	if len(terms) > limit {
		terms = terms[:limit]
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.term
	}
	return out
}

// LLM summarizes through a language model.
type LLM struct {
	Client llm.Client
}

func (l *LLM) Summarize(ctx context.Context, turn store.Turn) (*Abstract, error) {
	resp, err := l.Client.Complete(ctx, llm.SummaryPrompt(turn.UserText, turn.ResponseText))
	if err != nil {
		return nil, fmt.Errorf("llm summary: %w", err)
	}
	reply, err := llm.ParseSummary(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("llm summary: %w", err)
	}
	return &Abstract{Synopsis: reply.Synopsis, Keywords: reply.Keywords}, nil
}

// Fallback tries each summarizer in order and returns the first
// success. Context cancellation stops the chain immediately.
type Fallback []Summarizer

func (f Fallback) Summarize(ctx context.Context, turn store.Turn) (*Abstract, error) {
	var errs []error
	for _, s := range f {
		a, err := s.Summarize(ctx, turn)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, errors.New("no summarizer configured")
	}
	return nil, errors.Join(errs...)
}

// leadingSentence returns text up to and including the first sentence
// terminator followed by whitespace, or the first line.
func leadingSentence(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	for i, r := range text {
		if r == '.' || r == '?' || r == '!' {
			next := i + 1
			if next >= len(text) || unicode.IsSpace(rune(text[next])) {
				return strings.TrimSpace(text[:next])
			}
		}
	}
	return strings.TrimSpace(text)
}

// truncateClean cuts s to at most maxLen bytes, backing up to a word
// boundary when one is close.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	for len(truncated) > 0 && !utf8.ValidString(truncated) {
		truncated = truncated[:len(truncated)-1]
	}
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated) + "..."
}
