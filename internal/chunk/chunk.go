// Package chunk splits heterogeneous content into bounded-size segments
// suitable for embedding.
package chunk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/carevault/carevault/internal/extract"
)

// ContentType selects the boundary heuristic applied by Split.
type ContentType string

const (
	TypeText     ContentType = "text"
	TypeCode     ContentType = "code"
	TypeMarkdown ContentType = "markdown"
	TypeHTML     ContentType = "html"
)

// Chunk is one contiguous slice of a parent document. Immutable once built.
type Chunk struct {
	Content  string                 `json:"content"`
	Index    int                    `json:"index"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Options tunes a single Split call.
type Options struct {
	Type      ContentType
	Language  string
	MaxTokens int
	// OverlapWords is the word budget carried across text chunk
	// boundaries; roughly half of it is actually copied.
	OverlapWords int
}

const (
	// Tokens are approximated as characters/4 across the whole pipeline;
	// the embedding adapter applies its own hard character ceiling on top.
	charsPerToken = 4

	// How far back the code strategy searches for a clean break line.
	codeBreakWindow = 10
)

var (
	reParagraphSep = regexp.MustCompile(`\n\s*\n`)
	reSentenceEnd  = regexp.MustCompile(`([.!?])\s+`)
	reMDHeader     = regexp.MustCompile(`(?m)^#{1,6}\s`)
)

// Split chunks content according to opts. The returned chunks carry
// zero-based, strictly increasing indexes; whitespace-only chunks are
// never emitted, and empty input yields an empty slice.
func Split(content string, opts Options) ([]Chunk, error) {
	if opts.MaxTokens <= 0 {
		return nil, fmt.Errorf("max tokens must be > 0")
	}
	maxChars := opts.MaxTokens * charsPerToken

	switch opts.Type {
	case TypeText, "":
		return splitText(content, maxChars, opts.OverlapWords), nil
	case TypeCode:
		return splitCode(content, maxChars, opts.Language), nil
	case TypeMarkdown:
		return splitMarkdown(content, maxChars, opts.OverlapWords), nil
	case TypeHTML:
		text, _ := extract.Extract(content)
		chunks := splitText(text, maxChars, opts.OverlapWords)
		for i := range chunks {
			chunks[i].Metadata["content_type"] = "html"
		}
		return chunks, nil
	default:
		return nil, fmt.Errorf("unsupported content type: %s", opts.Type)
	}
}

// splitText accumulates blank-line-delimited paragraphs up to maxChars,
// seeding each follow-up chunk with a word-level overlap from the tail of
// the previous one so continuity survives the boundary.
func splitText(content string, maxChars, overlapWords int) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var paragraphs []string
	for _, p := range reParagraphSep.Split(content, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > maxChars {
			paragraphs = append(paragraphs, splitSentences(p, maxChars)...)
		} else {
			paragraphs = append(paragraphs, p)
		}
	}

	var (
		chunks []Chunk
		buf    strings.Builder
	)
	flush := func(overlapInto bool) string {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return ""
		}
		chunks = append(chunks, Chunk{
			Content:  text,
			Index:    len(chunks),
			Metadata: map[string]interface{}{"content_type": "text"},
		})
		if overlapInto {
			return tailWords(text, overlapWords/2)
		}
		return ""
	}

	for i, p := range paragraphs {
		buf.WriteString(p)
		buf.WriteString("\n\n")
		if buf.Len() < maxChars || i == len(paragraphs)-1 {
			continue
		}
		if tail := flush(true); tail != "" {
			buf.WriteString(tail)
			buf.WriteString(" ")
		}
	}
	flush(false)
	return chunks
}

// splitSentences breaks an oversized paragraph at sentence boundaries.
// A paragraph with no sentence breaks is returned whole, even oversized.
func splitSentences(paragraph string, maxChars int) []string {
	locs := reSentenceEnd.FindAllStringIndex(paragraph, -1)
	if len(locs) == 0 {
		return []string{paragraph}
	}

	var sentences []string
	start := 0
	for _, loc := range locs {
		sentences = append(sentences, strings.TrimSpace(paragraph[start:loc[1]]))
		start = loc[1]
	}
	if rest := strings.TrimSpace(paragraph[start:]); rest != "" {
		sentences = append(sentences, rest)
	}

	var (
		parts []string
		buf   strings.Builder
	)
	for _, s := range sentences {
		if buf.Len() > 0 && buf.Len()+len(s)+1 > maxChars {
			parts = append(parts, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
		buf.WriteString(s)
		buf.WriteString(" ")
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// splitCode accumulates raw lines and, on overflow, walks back up to
// codeBreakWindow lines looking for a clean break. Emitted chunks carry
// 1-based start/end line numbers and the language tag.
func splitCode(content string, maxChars int, language string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lines := strings.Split(content, "\n")

	var chunks []Chunk
	emit := func(start, end int) { // [start,end) in 0-based line offsets
		text := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(text) == "" {
			return
		}
		meta := map[string]interface{}{
			"content_type": "code",
			"start_line":   start + 1,
			"end_line":     end,
		}
		if language != "" {
			meta["language"] = language
		}
		chunks = append(chunks, Chunk{Content: text, Index: len(chunks), Metadata: meta})
	}

	start := 0
	size := 0
	for i := 0; i < len(lines); i++ {
		size += len(lines[i]) + 1
		if size <= maxChars || i == start {
			continue
		}
		br := i
		for back := i; back > start && back > i-codeBreakWindow; back-- {
			if isCleanBreak(lines[back-1]) {
				br = back
				break
			}
		}
		emit(start, br)
		start = br
		size = 0
		for j := start; j <= i; j++ {
			size += len(lines[j]) + 1
		}
	}
	emit(start, len(lines))
	return chunks
}

// isCleanBreak reports whether breaking after this line keeps a
// syntactically sensible boundary.
func isCleanBreak(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return true
	}
	switch t {
	case "}", ")", "]", "};", ");", "];", "},", "),", "],":
		return true
	}
	return strings.HasSuffix(t, ";")
}

// splitMarkdown treats header lines as section boundaries, keeping each
// header with its following content. Without headers it degrades to the
// plain-text strategy.
func splitMarkdown(content string, maxChars, overlapWords int) []Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	locs := reMDHeader.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		chunks := splitText(content, maxChars, overlapWords)
		for i := range chunks {
			chunks[i].Metadata["content_type"] = "markdown"
		}
		return chunks
	}

	var sections []string
	prev := 0
	for _, loc := range locs {
		if loc[0] > prev {
			if sec := strings.TrimSpace(content[prev:loc[0]]); sec != "" {
				sections = append(sections, sec)
			}
		}
		prev = loc[0]
	}
	if sec := strings.TrimSpace(content[prev:]); sec != "" {
		sections = append(sections, sec)
	}

	var (
		chunks []Chunk
		buf    strings.Builder
	)
	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		chunks = append(chunks, Chunk{
			Content:  text,
			Index:    len(chunks),
			Metadata: map[string]interface{}{"content_type": "markdown"},
		})
	}
	for _, sec := range sections {
		if len(sec) > maxChars {
			// oversized section: flush what we have and let the text
			// strategy break the section itself
			flush()
			for _, part := range splitText(sec, maxChars, overlapWords) {
				part.Index = len(chunks)
				part.Metadata["content_type"] = "markdown"
				chunks = append(chunks, part)
			}
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(sec)+2 > maxChars {
			flush()
		}
		buf.WriteString(sec)
		buf.WriteString("\n\n")
	}
	flush()
	return chunks
}

// tailWords returns the last n words of text, or all of it when shorter.
func tailWords(text string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(text)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}
