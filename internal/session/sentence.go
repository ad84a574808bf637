package session

import (
	"io"
	"strings"
)

// SentenceStream re-chunks a token stream into whole sentences so each can
// be dispatched to synthesis as soon as it completes, overlapping generation
// with synthesis. Concatenating every returned segment in order reproduces
// the generated text exactly.
type SentenceStream struct {
	tokens TokenStream
	buf    strings.Builder
	queue  []string
	eof    bool
}

// NewSentenceStream wraps a token stream.
func NewSentenceStream(tokens TokenStream) *SentenceStream {
	return &SentenceStream{tokens: tokens}
}

// Next returns the next completed sentence, or the trailing partial segment
// once the token stream ends, then io.EOF.
func (s *SentenceStream) Next() (string, error) {
	for {
		if len(s.queue) > 0 {
			seg := s.queue[0]
			s.queue = s.queue[1:]
			return seg, nil
		}
		if s.eof {
			if s.buf.Len() > 0 {
				seg := s.buf.String()
				s.buf.Reset()
				return seg, nil
			}
			return "", io.EOF
		}

		token, err := s.tokens.Next()
		if token != "" {
			s.buf.WriteString(token)
			s.drain()
		}
		if err == io.EOF {
			s.eof = true
			continue
		}
		if err != nil {
			return "", err
		}
	}
}

// Drained reports whether the token stream has ended and no speakable text
// remains buffered. When it returns true, the segment most recently returned
// by Next is the reply's last.
func (s *SentenceStream) Drained() bool {
	return s.eof && len(s.queue) == 0 && strings.TrimSpace(s.buf.String()) == ""
}

// Abandon closes the underlying token stream without draining it. Used when
// an interruption discards the remainder of a reply.
func (s *SentenceStream) Abandon() error {
	s.queue = nil
	s.buf.Reset()
	s.eof = true
	return s.tokens.Close()
}

// drain moves completed sentences from the accumulation buffer to the queue.
func (s *SentenceStream) drain() {
	text := s.buf.String()
	for {
		cut := sentenceBoundary(text)
		if cut < 0 {
			break
		}
		s.queue = append(s.queue, text[:cut])
		text = text[cut:]
	}
	s.buf.Reset()
	s.buf.WriteString(text)
}

// sentenceBoundary returns the index just past a sentence terminator that is
// followed by whitespace, or -1 when no complete sentence is buffered. The
// whitespace stays with the next segment so segments concatenate losslessly.
func sentenceBoundary(text string) int {
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if isSpace(text[i+1]) {
				return i + 1
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
