package knowledge

import (
	"strings"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/utils"
)

// Chunker splits extracted text into overlapping, token-bounded spans.
// Splits prefer sentence boundaries so a fact rarely straddles two chunks
// without appearing whole in at least one.
type Chunker struct {
	counter       *utils.TokenCounter
	chunkTokens   int
	overlapTokens int
}

// NewChunker creates a chunker. Zero sizes get working defaults.
func NewChunker(chunkTokens, overlapTokens int) (*Chunker, error) {
	counter, err := utils.NewTokenCounter("gpt-4o")
	if err != nil {
		return nil, err
	}
	if chunkTokens <= 0 {
		chunkTokens = 400
	}
	if overlapTokens < 0 || overlapTokens >= chunkTokens {
		overlapTokens = chunkTokens / 8
	}
	return &Chunker{
		counter:       counter,
		chunkTokens:   chunkTokens,
		overlapTokens: overlapTokens,
	}, nil
}

// Chunk splits content and assigns ordinals in document order.
func (c *Chunker) Chunk(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if c.counter.Count(content) <= c.chunkTokens {
		return []string{content}
	}

	sentences := splitSentences(content)

	var chunks []string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))

		// Seed the next chunk with trailing sentences up to the overlap
		// budget.
		var carry []string
		carryTokens := 0
		for i := len(current) - 1; i >= 0; i-- {
			cost := c.counter.Count(current[i])
			if carryTokens+cost > c.overlapTokens {
				break
			}
			carry = append([]string{current[i]}, carry...)
			carryTokens += cost
		}
		current = carry
		currentTokens = carryTokens
	}

	for _, sentence := range sentences {
		cost := c.counter.Count(sentence)

		// A single oversized sentence becomes its own chunk rather than
		// being split mid-thought.
		if cost > c.chunkTokens {
			flush()
			chunks = append(chunks, strings.TrimSpace(sentence))
			current = nil
			currentTokens = 0
			continue
		}

		if currentTokens+cost > c.chunkTokens {
			flush()
		}
		current = append(current, sentence)
		currentTokens += cost
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.TrimSpace(strings.Join(current, " ")))
	}

	return chunks
}

// splitSentences breaks text on sentence-ending punctuation and blank
// lines. Good enough for chunk boundaries; no linguistic ambition.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])

		boundary := false
		switch runes[i] {
		case '.', '!', '?':
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				boundary = true
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				boundary = true
			}
		}

		if boundary {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
