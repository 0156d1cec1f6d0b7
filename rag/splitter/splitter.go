package splitter

import (
	"strings"

	"github.com/smallnest/ragbuild/rag"
)

// Piece is one window of a split unit with its source line range.
type Piece struct {
	Text      string
	StartLine int
	EndLine   int
}

// LineSplitter packs whole lines into windows of at most chunkSize tokens,
// repeating trailing lines of a window at the start of the next one.
// A single line longer than chunkSize is split on word boundaries.
type LineSplitter struct {
	chunkSize    int
	chunkOverlap int
	lengthFunc   func(string) int
}

// Option configures the LineSplitter
type Option func(*LineSplitter)

// WithChunkSize sets the maximum window size in tokens
func WithChunkSize(size int) Option {
	return func(s *LineSplitter) {
		s.chunkSize = size
	}
}

// WithChunkOverlap sets how many tokens of context a window repeats
func WithChunkOverlap(overlap int) Option {
	return func(s *LineSplitter) {
		s.chunkOverlap = overlap
	}
}

// WithLengthFunction sets a custom length function
func WithLengthFunction(fn func(string) int) Option {
	return func(s *LineSplitter) {
		s.lengthFunc = fn
	}
}

// New creates a LineSplitter. Defaults are 512 tokens with 50 overlap.
func New(opts ...Option) *LineSplitter {
	s := &LineSplitter{
		chunkSize:    512,
		chunkOverlap: 50,
		lengthFunc:   rag.EstimateTokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 512
	}
	if s.chunkOverlap >= s.chunkSize {
		s.chunkOverlap = s.chunkSize / 4
	}
	return s
}

// ChunkSize returns the configured window size.
func (s *LineSplitter) ChunkSize() int {
	return s.chunkSize
}

// Split splits text whose first line is startLine. Text that already fits
// is returned as a single piece.
func (s *LineSplitter) Split(text string, startLine int) []Piece {
	lines := strings.Split(text, "\n")
	if s.lengthFunc(text) <= s.chunkSize {
		return []Piece{{Text: text, StartLine: startLine, EndLine: startLine + len(lines) - 1}}
	}

	type line struct {
		text string
		no   int
	}
	var units []line
	for i, l := range lines {
		if s.lengthFunc(l) <= s.chunkSize {
			units = append(units, line{text: l, no: startLine + i})
			continue
		}
		for _, w := range s.splitWords(l) {
			units = append(units, line{text: w, no: startLine + i})
		}
	}

	var (
		pieces  []Piece
		current []line
		size    int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		texts := make([]string, len(current))
		for i, u := range current {
			texts[i] = u.text
		}
		pieces = append(pieces, Piece{
			Text:      strings.Join(texts, "\n"),
			StartLine: current[0].no,
			EndLine:   current[len(current)-1].no,
		})
	}

	for i := 0; i < len(units); i++ {
		u := units[i]
		n := s.lengthFunc(u.text) + 1
		if size+n > s.chunkSize && len(current) > 0 {
			flush()
			// carry trailing lines forward as overlap
			var carry []line
			carried := 0
			for j := len(current) - 1; j > 0; j-- {
				c := s.lengthFunc(current[j].text) + 1
				if carried+c > s.chunkOverlap {
					break
				}
				carried += c
				carry = append([]line{current[j]}, carry...)
			}
			current, size = carry, carried
			if size+n > s.chunkSize {
				current, size = nil, 0
			}
		}
		current = append(current, u)
		size += n
	}
	flush()
	return pieces
}

// splitWords breaks one oversize line into word windows with overlap.
func (s *LineSplitter) splitWords(text string) []string {
	words := strings.Fields(text)
	var (
		out   []string
		start int
	)
	for start < len(words) {
		end := start
		size := 0
		for end < len(words) {
			n := s.lengthFunc(words[end]) + 1
			if size+n > s.chunkSize && end > start {
				break
			}
			size += n
			end++
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end >= len(words) {
			break
		}
		// step back for overlap but always make progress
		back := end
		overlap := 0
		for back > start+1 {
			n := s.lengthFunc(words[back-1]) + 1
			if overlap+n > s.chunkOverlap {
				break
			}
			overlap += n
			back--
		}
		start = back
	}
	return out
}
