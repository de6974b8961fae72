package tts

import (
	"strings"
	"unicode/utf8"
)

const (
	// minClauseWords is the shortest phrase cut at a comma-like boundary.
	minClauseWords = 4
	// maxPhraseWords forces a cut at the next word boundary.
	maxPhraseWords = 20
)

// PhraseChunker accumulates streamed text and extracts phrases that are
// worth synthesizing on their own, so speech can start before the whole
// reply is generated.
type PhraseChunker struct {
	buffer strings.Builder
}

// NewPhraseChunker creates an empty chunker.
func NewPhraseChunker() *PhraseChunker {
	return &PhraseChunker{}
}

// Add appends text and returns any complete phrases.
func (c *PhraseChunker) Add(text string) []string {
	c.buffer.WriteString(text)
	content := c.buffer.String()

	var phrases []string
	lastEnd := 0
	words := 0
	inWord := false
	for i, r := range content {
		if r == ' ' || r == '\n' || r == '\t' {
			if inWord {
				words++
				inWord = false
			}
			if words >= maxPhraseWords {
				if p := strings.TrimSpace(content[lastEnd:i]); p != "" {
					phrases = append(phrases, p)
				}
				lastEnd = i + 1
				words = 0
			}
			continue
		}
		inWord = true

		end := i + utf8.RuneLen(r)
		if !isBoundary(content, i, r, words+1) {
			continue
		}
		if p := strings.TrimSpace(content[lastEnd:end]); p != "" {
			phrases = append(phrases, p)
		}
		lastEnd = end
		words = 0
		inWord = false
	}

	if lastEnd > 0 {
		rest := content[lastEnd:]
		c.buffer.Reset()
		c.buffer.WriteString(rest)
	}
	return phrases
}

// Flush returns any remaining text and clears the buffer.
func (c *PhraseChunker) Flush() string {
	result := strings.TrimSpace(c.buffer.String())
	c.buffer.Reset()
	return result
}

// Pending returns the buffered text without clearing it.
func (c *PhraseChunker) Pending() string {
	return c.buffer.String()
}

// isBoundary reports whether the rune r at i ends a phrase of words words.
// A boundary must be followed by whitespace, so a number like 2.5 or a
// chunk that stops right after the mark is not cut early.
func isBoundary(s string, i int, r rune, words int) bool {
	next := i + utf8.RuneLen(r)
	if next >= len(s) {
		return false
	}
	if c := s[next]; c != ' ' && c != '\n' && c != '\t' {
		return false
	}

	switch r {
	case '.':
		return !isAbbreviation(s, i)
	case '!', '?', '।':
		return true
	case ',', ';', ':':
		return words >= minClauseWords
	default:
		return false
	}
}

// isAbbreviation checks if the period at i ends a common abbreviation or
// an initial.
func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := s[start : i+1]

	for _, abbr := range []string{"Dr.", "Mr.", "Mrs.", "Ms.", "Rs.", "No.", "Ltd.", "etc.", "e.g.", "i.e."} {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	return i-start == 1 && s[start] >= 'A' && s[start] <= 'Z'
}
