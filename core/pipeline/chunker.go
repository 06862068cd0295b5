package pipeline

import (
	"fmt"
	"strings"

	"github.com/knowgraph/knowgraph/model"
	"github.com/pkoukk/tiktoken-go"
)

// Chunking strategy tags accepted by NewChunker.
const (
	StrategyFixedTokenCount   = "fixed-token-count"
	StrategyParagraphBoundary = "paragraph-boundary"
	StrategySentenceBoundary  = "sentence-boundary"
)

// TokenCounter counts tokens in a piece of text. The default implementation
// uses tiktoken's cl100k_base encoding.
type TokenCounter func(text string) (int, error)

// NewTiktokenCounter returns a TokenCounter backed by the given tiktoken
// encoding.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return func(text string) (int, error) {
		return len(tke.Encode(text, nil, nil)), nil
	}, nil
}

// WordCountCounter approximates token counts by whitespace-separated words.
// Useful in tests and when the tiktoken vocabulary is not available offline.
func WordCountCounter() TokenCounter {
	return func(text string) (int, error) {
		return len(strings.Fields(text)), nil
	}
}

// NewChunker builds a ChunkFunc for the given strategy tag. targetTokens
// bounds the token count of a chunk for the token- and sentence-based
// strategies. An unknown tag returns ErrInvalidStrategy.
func NewChunker(strategy string, targetTokens int, counter TokenCounter) (ChunkFunc, error) {
	if counter == nil {
		var err error
		counter, err = NewTiktokenCounter("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	switch strategy {
	case StrategyFixedTokenCount:
		return FixedTokenChunker(targetTokens, counter), nil
	case StrategyParagraphBoundary:
		return ParagraphChunker(counter), nil
	case StrategySentenceBoundary:
		return SentenceChunker(targetTokens, counter), nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidStrategy, strategy)
	}
}

// FixedTokenChunker splits text into chunks of roughly targetTokens tokens,
// breaking on word boundaries. Concatenating the chunks reproduces the
// whitespace-normalized input.
func FixedTokenChunker(targetTokens int, counter TokenCounter) ChunkFunc {
	return func(text string) ([]model.ChunkDraft, error) {
		if targetTokens <= 0 {
			return nil, fmt.Errorf("target tokens must be positive, got %d", targetTokens)
		}

		words := strings.Fields(text)
		if len(words) == 0 {
			return []model.ChunkDraft{}, nil
		}

		var drafts []model.ChunkDraft
		var current []string
		currentTokens := 0
		ordinal := 0
		pos := 0

		flush := func() {
			if len(current) == 0 {
				return
			}
			content := strings.Join(current, " ")
			drafts = append(drafts, model.ChunkDraft{
				Content:    content,
				Ordinal:    ordinal,
				TokenCount: currentTokens,
				StartPos:   pos,
				EndPos:     pos + len(content),
				Metadata:   model.Metadata{"strategy": StrategyFixedTokenCount},
			})
			pos += len(content) + 1
			current = nil
			currentTokens = 0
			ordinal++
		}

		for _, word := range words {
			wordTokens, err := counter(word)
			if err != nil {
				return nil, fmt.Errorf("failed to count tokens: %w", err)
			}
			if currentTokens > 0 && currentTokens+wordTokens > targetTokens {
				flush()
			}
			current = append(current, word)
			currentTokens += wordTokens
		}
		flush()

		return drafts, nil
	}
}

// ParagraphChunker splits text on blank lines. Each non-empty paragraph
// becomes one chunk regardless of size.
func ParagraphChunker(counter TokenCounter) ChunkFunc {
	return func(text string) ([]model.ChunkDraft, error) {
		paragraphs := strings.Split(text, "\n\n")

		drafts := []model.ChunkDraft{}
		ordinal := 0
		pos := 0

		for _, para := range paragraphs {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}

			tokens, err := counter(para)
			if err != nil {
				return nil, fmt.Errorf("failed to count tokens: %w", err)
			}

			drafts = append(drafts, model.ChunkDraft{
				Content:    para,
				Ordinal:    ordinal,
				TokenCount: tokens,
				StartPos:   pos,
				EndPos:     pos + len(para),
				Metadata:   model.Metadata{"strategy": StrategyParagraphBoundary},
			})

			pos += len(para) + 2
			ordinal++
		}

		return drafts, nil
	}
}

// SentenceChunker groups whole sentences into chunks of up to targetTokens
// tokens. A single sentence larger than the budget still becomes its own
// chunk, sentences are never split.
func SentenceChunker(targetTokens int, counter TokenCounter) ChunkFunc {
	return func(text string) ([]model.ChunkDraft, error) {
		if targetTokens <= 0 {
			return nil, fmt.Errorf("target tokens must be positive, got %d", targetTokens)
		}

		sentences := splitSentences(text)
		if len(sentences) == 0 {
			return []model.ChunkDraft{}, nil
		}

		var drafts []model.ChunkDraft
		var current []string
		currentTokens := 0
		ordinal := 0
		pos := 0

		flush := func() {
			if len(current) == 0 {
				return
			}
			content := strings.Join(current, " ")
			drafts = append(drafts, model.ChunkDraft{
				Content:    content,
				Ordinal:    ordinal,
				TokenCount: currentTokens,
				StartPos:   pos,
				EndPos:     pos + len(content),
				Metadata:   model.Metadata{"strategy": StrategySentenceBoundary},
			})
			pos += len(content) + 1
			current = nil
			currentTokens = 0
			ordinal++
		}

		for _, sentence := range sentences {
			tokens, err := counter(sentence)
			if err != nil {
				return nil, fmt.Errorf("failed to count tokens: %w", err)
			}
			if currentTokens > 0 && currentTokens+tokens > targetTokens {
				flush()
			}
			current = append(current, sentence)
			currentTokens += tokens
		}
		flush()

		return drafts, nil
	}
}

// splitSentences splits text on sentence-ending punctuation followed by a
// space. Whitespace inside sentences is normalized.
func splitSentences(text string) []string {
	text = strings.ReplaceAll(text, "! ", "!|")
	text = strings.ReplaceAll(text, "? ", "?|")
	text = strings.ReplaceAll(text, ". ", ".|")

	var sentences []string
	for _, s := range strings.Split(text, "|") {
		s = strings.Join(strings.Fields(s), " ")
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
