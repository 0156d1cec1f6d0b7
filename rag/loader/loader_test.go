package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smallnest/ragbuild/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLoader(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "api.md")
	require.NoError(t, os.WriteFile(path, []byte("## Endpoints\n\nGET /health returns 200.\n"), 0o644))

	t.Run("Basic Load", func(t *testing.T) {
		refs, err := NewTextLoader(path).Load(ctx)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		assert.Equal(t, path, refs[0].Source)
		assert.Equal(t, "api.md", refs[0].Title)
		assert.Contains(t, refs[0].Content, "GET /health")
	})

	t.Run("Title", func(t *testing.T) {
		refs, err := NewTextLoader(path, WithTitle("API")).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "API", refs[0].Title)
	})

	t.Run("Too large", func(t *testing.T) {
		_, err := NewTextLoader(path, WithMaxBytes(4)).Load(ctx)
		assert.ErrorContains(t, err, "exceeds 4 bytes")
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := NewTextLoader(filepath.Join(dir, "absent.md")).Load(ctx)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Binary", func(t *testing.T) {
		bin := filepath.Join(dir, "blob.bin")
		require.NoError(t, os.WriteFile(bin, []byte{0xff, 0xfe, 0x00}, 0o644))
		_, err := NewTextLoader(bin).Load(ctx)
		assert.ErrorContains(t, err, "not valid UTF-8")
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := NewTextLoader(path).Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTextLoaderHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guide.html")
	page := `<html><head><style>p { color: red }</style></head>
<body><h1>Guide</h1>
<p>Install with <code>npm install</code> &amp; run.</p>
<script>alert(1)</script></body></html>`
	require.NoError(t, os.WriteFile(path, []byte(page), 0o644))

	refs, err := NewTextLoader(path).Load(context.Background())
	require.NoError(t, err)
	text := refs[0].Content
	assert.Contains(t, text, "Guide")
	assert.Contains(t, text, "Install with npm install & run.")
	assert.NotContains(t, text, "<p>")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "color: red")
}

func TestLoadAll(t *testing.T) {
	ctx := context.Background()
	a := NewStaticLoader(Reference{Source: "a", Content: "alpha"})
	b := NewStaticLoader(Reference{Source: "b", Content: "beta"}, Reference{Source: "c", Content: "gamma"})

	refs, err := LoadAll(ctx, a, b)
	require.NoError(t, err)
	var sources []string
	for _, r := range refs {
		sources = append(sources, r.Source)
	}
	assert.Equal(t, []string{"a", "b", "c"}, sources)

	refs[0].Content = "changed"
	again, err := a.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alpha", again[0].Content)

	_, err = LoadAll(ctx, a, NewTextLoader(filepath.Join(t.TempDir(), "absent.txt")))
	assert.Error(t, err)
}

func TestMerge(t *testing.T) {
	doc := &document.Document{Name: "webapp", Content: "# Web app\n\nExpress server."}
	refs := []Reference{
		{Source: "docs/api.md", Title: "API", Content: "GET /health\n"},
		{Source: "empty.md", Content: "  \n"},
		{Source: "notes.txt", Content: "Port 8080."},
	}

	merged := Merge(doc, refs)
	assert.Equal(t, "# Web app\n\nExpress server.", doc.Content, "input must not change")
	assert.Equal(t, "webapp", merged.Name)
	assert.True(t, strings.HasPrefix(merged.Content, doc.Content))
	assert.Contains(t, merged.Content, "\n\n# API\n\nGET /health\n")
	assert.Contains(t, merged.Content, "# notes.txt\n\nPort 8080.\n")
	assert.NotContains(t, merged.Content, "empty.md")

	bare := Merge(&document.Document{}, refs[:1])
	assert.Equal(t, "# API\n\nGET /health\n", bare.Content)
}
