package streaming

import (
	"regexp"
	"strings"
)

// MinSentenceLength is the default minimum trimmed buffer length (§4.6a)
// below which a sentence is not dispatched even if a delimiter fires.
const MinSentenceLength = 10

// SentenceMaxRunLen is the default long-run safety break length (§4.6a).
const SentenceMaxRunLen = 100

var decimalTail = regexp.MustCompile(`\d+\.\d*$`)

// abbreviations that must not trigger a sentence break on a trailing '.'.
var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true,
	"inc": true, "ltd": true, "corp": true, "etc": true, "vs": true,
	"e.g": true, "i.e": true, "st": true, "ave": true,
}

const sentenceDelimiters = ".!?。！？\n"

// SentenceSplitter accumulates streamed LLM token fragments and decides when
// a complete sentence is ready for TTS dispatch, per §4.6a.
type SentenceSplitter struct {
	buf       strings.Builder
	minLen    int
	maxRunLen int
}

// NewSentenceSplitter builds a splitter with the given thresholds; zero
// values fall back to the spec defaults.
func NewSentenceSplitter(minLen, maxRunLen int) *SentenceSplitter {
	if minLen <= 0 {
		minLen = MinSentenceLength
	}
	if maxRunLen <= 0 {
		maxRunLen = SentenceMaxRunLen
	}
	return &SentenceSplitter{minLen: minLen, maxRunLen: maxRunLen}
}

// Push appends fragment to the buffer and returns a completed sentence (and
// true) if this fragment or the buffer's accumulated length triggers a
// break. The returned sentence is trimmed; the internal buffer is cleared
// whenever a sentence is returned.
func (s *SentenceSplitter) Push(fragment string) (string, bool) {
	s.buf.WriteString(fragment)

	if s.delimiterFires(fragment) {
		sentence := strings.TrimSpace(s.buf.String())
		if len(sentence) >= s.minLen {
			s.buf.Reset()
			return sentence, true
		}
	}

	if s.buf.Len() > s.maxRunLen {
		return s.forceBreakAtWhitespace()
	}

	return "", false
}

// Flush returns any remaining buffered text as a final sentence (§4.6 step
// 5), regardless of minLen, clearing the buffer.
func (s *SentenceSplitter) Flush() (string, bool) {
	sentence := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if sentence == "" {
		return "", false
	}
	return sentence, true
}

func (s *SentenceSplitter) delimiterFires(fragment string) bool {
	if !strings.ContainsAny(fragment, sentenceDelimiters) {
		return false
	}

	trimmed := strings.TrimSpace(s.buf.String())
	if trimmed == "" {
		return false
	}

	if strings.HasSuffix(trimmed, ".") {
		if isAbbreviation(trimmed) {
			return false
		}
		if decimalTail.MatchString(trimmed) {
			return false
		}
	}

	return true
}

func isAbbreviation(trimmed string) bool {
	withoutDot := strings.TrimSuffix(trimmed, ".")
	fields := strings.Fields(withoutDot)
	if len(fields) == 0 {
		return false
	}
	last := strings.ToLower(fields[len(fields)-1])
	return abbreviations[last]
}

// forceBreakAtWhitespace looks for the next whitespace boundary and splits
// there, carrying the remainder back into the buffer.
func (s *SentenceSplitter) forceBreakAtWhitespace() (string, bool) {
	content := s.buf.String()
	idx := strings.LastIndexAny(content, " \t\n")
	if idx <= 0 {
		return "", false
	}

	head := strings.TrimSpace(content[:idx])
	rest := content[idx+1:]
	s.buf.Reset()
	s.buf.WriteString(rest)

	if head == "" {
		return "", false
	}
	return head, true
}
