package loader

import (
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxBytes bounds the size of a single reference file.
const DefaultMaxBytes = 1 << 20

// TextLoader loads a reference from a text file. HTML files are reduced to
// their text.
type TextLoader struct {
	filePath string
	title    string
	maxBytes int64
}

// TextLoaderOption configures the TextLoader
type TextLoaderOption func(*TextLoader)

// WithTitle sets the section title used when the reference is merged.
func WithTitle(title string) TextLoaderOption {
	return func(l *TextLoader) {
		l.title = title
	}
}

// WithMaxBytes sets the largest file the loader accepts.
func WithMaxBytes(n int64) TextLoaderOption {
	return func(l *TextLoader) {
		l.maxBytes = n
	}
}

// NewTextLoader creates a new TextLoader
func NewTextLoader(filePath string, opts ...TextLoaderOption) *TextLoader {
	l := &TextLoader{
		filePath: filePath,
		title:    filepath.Base(filePath),
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the file.
func (l *TextLoader) Load(ctx context.Context) ([]Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open reference %s: %w", l.filePath, err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read reference %s: %w", l.filePath, err)
	}
	if int64(len(content)) > l.maxBytes {
		return nil, fmt.Errorf("reference %s exceeds %d bytes", l.filePath, l.maxBytes)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("reference %s is not valid UTF-8 text", l.filePath)
	}

	text := string(content)
	switch strings.ToLower(filepath.Ext(l.filePath)) {
	case ".html", ".htm":
		text = stripHTML(text)
	}
	return []Reference{{Source: l.filePath, Title: l.title, Content: text}}, nil
}

func stripHTML(s string) string {
	text := html.UnescapeString(bluemonday.StrictPolicy().Sanitize(s))
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
