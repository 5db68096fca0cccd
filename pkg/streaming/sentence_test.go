package streaming

import "testing"

func TestSentenceSplitterBasicSentence(t *testing.T) {
	s := NewSentenceSplitter(0, 0)
	sentence, ok := s.Push("Hello world.")
	if !ok {
		t.Fatal("expected sentence to complete")
	}
	if sentence != "Hello world." {
		t.Errorf("expected 'Hello world.', got %q", sentence)
	}
}

func TestSentenceSplitterBelowMinLengthDoesNotFire(t *testing.T) {
	s := NewSentenceSplitter(0, 0)
	_, ok := s.Push("Hi.")
	if ok {
		t.Fatal("expected short fragment below MinSentenceLength to not dispatch")
	}
}

func TestSentenceSplitterAbbreviationGuard(t *testing.T) {
	s := NewSentenceSplitter(0, 0)

	fragments := []string{"Dr", ". ", "Smith", ". ", "Hola", "."}
	var dispatched []string
	for _, f := range fragments {
		if sentence, ok := s.Push(f); ok {
			dispatched = append(dispatched, sentence)
		}
	}
	// "Hola." is below MinSentenceLength, so it goes out through Flush at
	// end of stream, as the pipeline's final flush does.
	if sentence, ok := s.Flush(); ok {
		dispatched = append(dispatched, sentence)
	}

	if len(dispatched) != 2 {
		t.Fatalf("expected exactly 2 dispatches, got %d: %v", len(dispatched), dispatched)
	}
	if dispatched[0] != "Dr. Smith." {
		t.Errorf("expected first dispatch 'Dr. Smith.', got %q", dispatched[0])
	}
	if dispatched[1] != "Hola." {
		t.Errorf("expected second dispatch 'Hola.', got %q", dispatched[1])
	}
}

func TestSentenceSplitterDecimalGuard(t *testing.T) {
	s := NewSentenceSplitter(0, 0)
	_, ok := s.Push("The price is 3.")
	if ok {
		t.Fatal("expected decimal-looking buffer to not fire on bare digit+dot")
	}
	sentence, ok := s.Push("14 dollars.")
	if !ok {
		t.Fatal("expected sentence to complete once a real delimiter follows")
	}
	if sentence != "The price is 3.14 dollars." {
		t.Errorf("unexpected sentence: %q", sentence)
	}
}

func TestSentenceSplitterLongRunForcesBreak(t *testing.T) {
	s := NewSentenceSplitter(0, 20)
	long := "this is a very long run of text with no delimiter at all so it must break"
	var dispatched []string
	for _, word := range splitWords(long) {
		if sentence, ok := s.Push(word + " "); ok {
			dispatched = append(dispatched, sentence)
		}
	}
	if len(dispatched) == 0 {
		t.Fatal("expected at least one forced break for a long undelimited run")
	}
}

func TestSentenceSplitterFlushReturnsRemainder(t *testing.T) {
	s := NewSentenceSplitter(0, 0)
	s.Push("trailing fragment without delimiter")
	sentence, ok := s.Flush()
	if !ok {
		t.Fatal("expected flush to return remaining buffer")
	}
	if sentence != "trailing fragment without delimiter" {
		t.Errorf("unexpected flushed sentence: %q", sentence)
	}

	_, ok = s.Flush()
	if ok {
		t.Error("expected second flush on empty buffer to return false")
	}
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	for _, r := range s {
		if r == ' ' {
			if len(cur) > 0 {
				words = append(words, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}
