// Package chunker splits extracted document text into overlapping,
// size-bounded pieces suitable for embedding, preferring paragraph and
// sentence boundaries over hard cuts and recognizing both Latin and CJK
// sentence punctuation.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxChunkSize = 450
	DefaultOverlapSize  = 50
	DefaultMinChunkSize = 20
)

// Chunk is one piece of a split document.
type Chunk struct {
	Text  string
	Index int
}

// TextChunker splits text into Chunks under the configured size bounds.
type TextChunker struct {
	MaxChunkSize int
	OverlapSize  int
	MinChunkSize int
}

// NewTextChunker returns a TextChunker with the default size bounds.
func NewTextChunker() *TextChunker {
	return &TextChunker{
		MaxChunkSize: DefaultMaxChunkSize,
		OverlapSize:  DefaultOverlapSize,
		MinChunkSize: DefaultMinChunkSize,
	}
}

var runOfBlankLines = regexp.MustCompile(`\n{3,}`)

// sentenceTerminators is the union of Latin and CJK sentence-ending
// punctuation used to split an over-long paragraph into sentences.
var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true,
	'。': true, '！': true, '？': true, '；': true, '、': true,
}

// preferredBreaks is scanned back-to-front when force-splitting a single
// over-long sentence, in priority order.
var preferredBreaks = []rune{' ', ',', '，', '.'}

// normalize applies the fixed text-cleanup pass: CRLF→LF, tabs→spaces,
// trimming trailing whitespace on every line, and collapsing runs of 3+
// newlines into exactly two.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\t", " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	text = strings.Join(lines, "\n")
	return runOfBlankLines.ReplaceAllString(text, "\n\n")
}

// Split chunks text per the algorithm: paragraph boundaries first, then
// sentence boundaries for over-long paragraphs, then a boundary-preferring
// force split for over-long sentences, dropping a too-short final piece
// unless it is the only one. The chunker never fails; malformed or empty
// input simply yields few or no chunks.
func (c *TextChunker) Split(text string) []Chunk {
	max := c.MaxChunkSize
	if max <= 0 {
		max = DefaultMaxChunkSize
	}
	overlap := c.OverlapSize
	if overlap < 0 {
		overlap = 0
	}
	minSize := c.MinChunkSize
	if minSize < 0 {
		minSize = 0
	}

	text = normalize(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	paragraphs := strings.Split(text, "\n\n")
	var pieces []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
		}
	}

	addPiece := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if len(p) > max {
			flush()
			pieces = append(pieces, splitLong(p, max, overlap)...)
			return
		}
		if current.Len() == 0 {
			current.WriteString(p)
			return
		}
		if current.Len()+2+len(p) <= max {
			current.WriteString("\n\n")
			current.WriteString(p)
			return
		}
		flush()
		current.WriteString(p)
	}

	for _, p := range paragraphs {
		addPiece(p)
	}
	flush()

	return finalize(pieces, minSize)
}

// splitLong handles a paragraph longer than max by first trying sentence
// boundaries, and, for any sentence still too long, a boundary-preferring
// force split with overlap carried from the previous chunk.
func splitLong(p string, max, overlap int) []string {
	sentences := splitSentences(p)
	var out []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
	}

	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > max {
			flush()
			out = append(out, forceSplit(s, max, overlap)...)
			continue
		}
		if current.Len() == 0 {
			current.WriteString(s)
			continue
		}
		if current.Len()+1+len(s) <= max {
			current.WriteString(" ")
			current.WriteString(s)
			continue
		}
		flush()
		current.WriteString(s)
	}
	flush()
	return out
}

// splitSentences breaks text on sentence terminators, keeping the
// terminator attached to the preceding sentence.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for _, r := range runes {
		cur.WriteRune(r)
		if sentenceTerminators[r] {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// forceSplit hard-splits a single over-long sentence into max-sized
// windows, scanning back up to 50 characters from each target cut point
// for a preferred break character, and carrying overlap characters from
// the end of the previous chunk into the next.
func forceSplit(s string, max, overlap int) []string {
	runes := []rune(s)
	var out []string
	start := 0
	for start < len(runes) {
		end := start + max
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}

		cut := end
		scanLimit := end - 50
		if scanLimit < start {
			scanLimit = start
		}
		found := -1
		for i := end; i > scanLimit; i-- {
			if isPreferredBreak(runes[i-1]) {
				found = i
				break
			}
		}
		if found > start {
			cut = found
		}

		out = append(out, string(runes[start:cut]))

		next := cut - overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out
}

func isPreferredBreak(r rune) bool {
	for _, b := range preferredBreaks {
		if r == b {
			return true
		}
	}
	return false
}

// finalize drops a final piece shorter than minSize unless it is the only
// piece produced.
func finalize(pieces []string, minSize int) []Chunk {
	if len(pieces) == 0 {
		return nil
	}
	if len(pieces) > 1 {
		last := pieces[len(pieces)-1]
		if len([]rune(last)) < minSize {
			pieces = pieces[:len(pieces)-1]
		}
	}
	out := make([]Chunk, len(pieces))
	for i, p := range pieces {
		out[i] = Chunk{Text: p, Index: i}
	}
	return out
}

// DetectLanguage reports "zh" when CJK ideographs make up more than 30%
// of the non-whitespace characters in text, and "en" otherwise.
func DetectLanguage(text string) string {
	var cjk, other int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	total := cjk + other
	if total == 0 {
		return "en"
	}
	if float64(cjk)/float64(total) > 0.3 {
		return "zh"
	}
	return "en"
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateTokens approximates token count as cjk_chars/1.5 + other_chars/4,
// rounded up.
func EstimateTokens(text string) int {
	var cjk, other int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	est := float64(cjk)/1.5 + float64(other)/4.0
	if est <= 0 {
		return 0
	}
	whole := int(est)
	if float64(whole) < est {
		whole++
	}
	return whole
}
