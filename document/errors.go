package document

import "fmt"

// ParseError reports a structurally malformed build document. It is fatal:
// no graph is built from a document that fails to parse.
type ParseError struct {
	Source string
	Format Format
	// Line is 1-based, or 0 when the decoder did not report a position.
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s document %s: line %d: %v", e.Format, e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s document %s: %v", e.Format, e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
