// Package loader reads the reference material a build document points to,
// so it can be ingested and retrieved together with the document's own prose.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallnest/ragbuild/document"
)

// Reference is one piece of loaded reference text.
type Reference struct {
	// Source is the path or name the text was read from.
	Source string
	// Title heads the reference section once merged into a document.
	Title   string
	Content string
}

// Loader loads references.
type Loader interface {
	Load(ctx context.Context) ([]Reference, error)
}

// LoadAll runs every loader in order and concatenates their references.
func LoadAll(ctx context.Context, loaders ...Loader) ([]Reference, error) {
	var refs []Reference
	for _, l := range loaders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loaded, err := l.Load(ctx)
		if err != nil {
			return nil, err
		}
		refs = append(refs, loaded...)
	}
	return refs, nil
}

// Merge returns a copy of doc whose content has every non-empty reference
// appended as its own top-level section. doc is not modified.
func Merge(doc *document.Document, refs []Reference) *document.Document {
	merged := *doc
	var sb strings.Builder
	sb.WriteString(doc.Content)
	for _, ref := range refs {
		body := strings.TrimSpace(ref.Content)
		if body == "" {
			continue
		}
		title := ref.Title
		if title == "" {
			title = ref.Source
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "# %s\n\n%s\n", title, body)
	}
	merged.Content = sb.String()
	return &merged
}
