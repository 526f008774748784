package chunker

import "strings"

// Split divides text into provider-safe chunks of at most maxChunkSize bytes.
// Sentences are kept whole whenever possible; a sentence that alone exceeds
// the limit is split on word boundaries instead. A single token longer than
// the limit is emitted as-is rather than cut mid-word.
//
// Joining the chunks with single spaces recovers the original content modulo
// collapsed whitespace. The function is pure and never performs I/O.
func Split(text string, maxChunkSize int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChunkSize <= 0 || len(text) <= maxChunkSize {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, sentence := range sentences(text) {
		if len(sentence) > maxChunkSize {
			// Oversized sentence: close the running chunk and fall back to
			// word-boundary accumulation for this sentence only.
			flush()
			chunks = append(chunks, splitWords(sentence, maxChunkSize)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(sentence) > maxChunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	flush()
	return chunks
}

// sentences segments text on sentence-ending punctuation, keeping the
// terminator (and any closing quote) attached to its sentence.
func sentences(text string) []string {
	var out []string
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			end := i + 1
			// Run of terminators ("...", "?!") plus a trailing quote belong
			// to the sentence.
			for end < len(text) && (text[end] == '.' || text[end] == '!' || text[end] == '?') {
				end++
			}
			for end < len(text) && (text[end] == '"' || text[end] == '\'' || text[end] == ')') {
				end++
			}
			if end >= len(text) || text[end] == ' ' || text[end] == '\n' || text[end] == '\t' {
				s := strings.TrimSpace(text[start:end])
				if s != "" {
					out = append(out, s)
				}
				start = end
			}
			i = end
			continue
		}
		i++
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func splitWords(sentence string, maxChunkSize int) []string {
	var out []string
	var current strings.Builder
	for _, word := range strings.Fields(sentence) {
		if current.Len() > 0 && current.Len()+1+len(word) > maxChunkSize {
			out = append(out, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		// A single token longer than the limit becomes a degenerate chunk.
		current.WriteString(word)
		if current.Len() >= maxChunkSize {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
