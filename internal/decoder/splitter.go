package decoder

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Splitter defaults. Sized in characters, not estimated tokens: the
// extraction prompts carry whole chunks, and the generation model's context
// budget is what actually bounds them.
const (
	DefaultChunkSizeChars    = 8000
	DefaultChunkOverlapChars = 1500
)

// SplitText recursively splits text into overlapping chunks of at most
// chunkSize characters, with chunkOverlap characters of trailing context
// repeated at the start of each subsequent chunk. The segment/overlap shape
// proceeds paragraph-first, then sentences, then raw characters,
// counting characters instead of estimated tokens.
func SplitText(text string, chunkSize, chunkOverlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSizeChars
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlapChars
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	segments := buildSegments(paragraphs, chunkSize)
	overlapped := applyOverlap(segments, chunkOverlap)

	out := make([]string, 0, len(overlapped))
	for _, s := range overlapped {
		trimmed := strings.TrimSpace(s)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var out []string
	for _, p := range raw {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// buildSegments merges small paragraphs and splits oversized ones so that no
// segment exceeds chunkSize characters.
func buildSegments(paragraphs []string, chunkSize int) []string {
	var segments []string
	var current strings.Builder

	for _, para := range paragraphs {
		if len(para) > chunkSize {
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			segments = append(segments, splitLargeParagraph(para, chunkSize)...)
			continue
		}

		if current.Len() > 0 && current.Len()+2+len(para) > chunkSize {
			segments = append(segments, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		segments = append(segments, current.String())
	}
	return segments
}

// applyOverlap prepends the trailing chunkOverlap characters of each
// segment to the start of the next.
func applyOverlap(segments []string, chunkOverlap int) []string {
	if len(segments) <= 1 || chunkOverlap == 0 {
		return segments
	}

	out := make([]string, len(segments))
	out[0] = segments[0]
	for i := 1; i < len(segments); i++ {
		tail := lastNChars(segments[i-1], chunkOverlap)
		if tail == "" {
			out[i] = segments[i]
			continue
		}
		out[i] = tail + "\n\n" + segments[i]
	}
	return out
}

func splitLargeParagraph(para string, chunkSize int) []string {
	sentences := splitSentences(para)
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		if current.Len() > 0 && current.Len()+1+len(sent) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 0 && len(para) > 0 {
		return splitByChars(para, chunkSize)
	}

	// Any individual sentence that alone exceeds chunkSize still needs a hard split.
	var final []string
	for _, c := range chunks {
		if len(c) > chunkSize {
			final = append(final, splitByChars(c, chunkSize)...)
		} else {
			final = append(final, c)
		}
	}
	return final
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

func splitByChars(text string, chunkSize int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func lastNChars(text string, n int) string {
	runes := []rune(text)
	if n >= len(runes) {
		return text
	}
	return string(runes[len(runes)-n:])
}

// ContentHash returns the stable SHA-256 hex digest of chunk content, used
// for deduplication.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", h)
}
