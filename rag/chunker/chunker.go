package chunker

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"

	"github.com/smallnest/ragbuild/document"
	"github.com/smallnest/ragbuild/log"
	"github.com/smallnest/ragbuild/rag"
	"github.com/smallnest/ragbuild/rag/splitter"
)

// Chunker splits build documents into typed semantic units.
type Chunker struct {
	splitter *splitter.LineSplitter
	logger   log.Logger

	mu          sync.Mutex
	generations map[string]int
}

// Option configures a Chunker.
type Option func(*chunkerConfig)

type chunkerConfig struct {
	maxTokens int
	overlap   int
	logger    log.Logger
}

// WithMaxTokens bounds the size of a single unit. Larger units are split.
func WithMaxTokens(n int) Option {
	return func(c *chunkerConfig) { c.maxTokens = n }
}

// WithOverlap sets the token overlap between pieces of a split unit.
func WithOverlap(n int) Option {
	return func(c *chunkerConfig) { c.overlap = n }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *chunkerConfig) { c.logger = l }
}

// New creates a Chunker.
func New(opts ...Option) *Chunker {
	cfg := chunkerConfig{maxTokens: 512, overlap: 50}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Chunker{
		splitter:    splitter.New(splitter.WithChunkSize(cfg.maxTokens), splitter.WithChunkOverlap(cfg.overlap)),
		logger:      log.OrDefault(cfg.logger),
		generations: make(map[string]int),
	}
}

// unit is a classified block before IDs and splitting are applied.
type unit struct {
	kind      rag.ChunkKind
	lang      string
	section   string
	heading   string
	text      string
	startLine int
	endLine   int
	hasBody   bool
}

// Chunk splits doc into semantic chunks. Every call starts a new generation
// for the document. Chunk IDs carry the document revision and the
// generation, so they never collide with an earlier ingestion, in this
// process or a previous one.
func (c *Chunker) Chunk(ctx context.Context, doc *document.Document) ([]rag.Chunk, error) {
	docID := doc.DisplayName()
	if docID == "" {
		return nil, fmt.Errorf("document has no name")
	}

	rev := doc.Revision()
	c.mu.Lock()
	c.generations[docID]++
	gen := c.generations[docID]
	c.mu.Unlock()

	units, err := c.parseContent(ctx, doc.Content)
	if err != nil {
		return nil, err
	}
	units = append(units, stepUnits(doc)...)

	var chunks []rag.Chunk
	for _, u := range units {
		for _, p := range c.splitter.Split(u.text, u.startLine) {
			ch := rag.Chunk{
				ID:         fmt.Sprintf("%s#%s.g%d-%d", docID, rev, gen, len(chunks)),
				DocumentID: docID,
				Generation: gen,
				Content:    p.Text,
				Kind:       u.kind,
				Section:    u.section,
				StartLine:  p.StartLine,
				EndLine:    p.EndLine,
				Complexity: complexity(u.kind, p.Text),
				Tags:       tagsFor(u, p.Text),
				Metadata:   map[string]string{"section": u.section, "revision": rev},
			}
			if u.lang != "" {
				ch.Metadata["lang"] = u.lang
			}
			chunks = append(chunks, ch)
		}
	}
	linkDependencies(chunks)

	c.logger.Debug("chunked %s generation %d into %d units", docID, gen, len(chunks))
	return chunks, nil
}

// Generation returns the latest generation number for a document.
func (c *Chunker) Generation(docID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[docID]
}

func (c *Chunker) parseContent(ctx context.Context, content string) ([]unit, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	root := p.Parse([]byte(content))
	loc := newLocator(content)

	var (
		units    []unit
		headings []string
		prose    *unit
	)
	// a heading alone does not make a unit, its section name is kept on
	// whatever follows it
	flushProse := func() {
		if prose != nil && prose.hasBody {
			units = append(units, *prose)
		}
		prose = nil
	}
	section := func() string {
		named := make([]string, 0, len(headings))
		for _, h := range headings {
			if h != "" {
				named = append(named, h)
			}
		}
		return strings.Join(named, " > ")
	}

	for _, node := range root.GetChildren() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch n := node.(type) {
		case *ast.Heading:
			flushProse()
			title := strings.TrimSpace(inlineText(n))
			if n.Level <= len(headings) {
				headings = headings[:n.Level-1]
			}
			for len(headings) < n.Level-1 {
				headings = append(headings, "")
			}
			headings = append(headings, title)
			start := loc.find(title)
			prose = &unit{
				kind:      rag.KindDoc,
				section:   section(),
				heading:   title,
				text:      strings.Repeat("#", n.Level) + " " + title,
				startLine: start,
				endLine:   start,
			}

		case *ast.CodeBlock:
			flushProse()
			lang := codeLanguage(n.Info)
			body := strings.TrimRight(string(n.Literal), "\n")
			if body == "" {
				continue
			}
			start, end := loc.block(body)
			units = append(units, unit{
				kind:      classifyCode(lang, body),
				lang:      lang,
				section:   section(),
				heading:   lastHeading(headings),
				text:      body,
				startLine: start,
				endLine:   end,
			})

		case *ast.HorizontalRule:
			flushProse()

		default:
			text := strings.TrimSpace(inlineText(node))
			if text == "" {
				continue
			}
			start, end := loc.block(text)
			if prose == nil {
				prose = &unit{kind: rag.KindDoc, section: section(), heading: lastHeading(headings), startLine: start}
				prose.text = text
			} else {
				prose.text += "\n\n" + text
			}
			prose.hasBody = true
			prose.endLine = end
		}
	}
	flushProse()
	return units, nil
}

// stepUnits exposes inline step payloads as retrievable units.
func stepUnits(doc *document.Document) []unit {
	var units []unit
	for i, s := range doc.Steps {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("step-%d", i)
		}
		section := "steps > " + id
		switch {
		case s.Command != "":
			units = append(units, unit{kind: rag.KindCommand, lang: "sh", section: section, heading: id, text: s.Command})
		case s.Content != "":
			kind := rag.KindCode
			if configExts[strings.ToLower(filepath.Ext(s.FilePath))] {
				kind = rag.KindConfig
			}
			units = append(units, unit{kind: kind, lang: strings.TrimPrefix(filepath.Ext(s.FilePath), "."),
				section: section, heading: id, text: s.Content})
		}
	}
	return units
}

func lastHeading(headings []string) string {
	if len(headings) == 0 {
		return ""
	}
	return headings[len(headings)-1]
}

// inlineText flattens the text of a block node.
func inlineText(node ast.Node) string {
	var b strings.Builder
	items := 0
	ast.WalkFunc(node, func(n ast.Node, entering bool) ast.WalkStatus {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(v.Literal)
			}
		case *ast.Code:
			if entering {
				b.WriteString("`")
				b.Write(v.Literal)
				b.WriteString("`")
			}
		case *ast.CodeBlock:
			if entering {
				b.WriteString("\n")
				b.Write(v.Literal)
			}
		case *ast.Softbreak, *ast.Hardbreak:
			if entering {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				if items > 0 {
					b.WriteString("\n")
				}
				b.WriteString("- ")
				items++
			}
		case *ast.Paragraph:
			if !entering && b.Len() > 0 {
				b.WriteString(" ")
			}
		}
		return ast.GoToNext
	})
	return strings.TrimSpace(b.String())
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9_.-]+`)

// locator maps block text back to source line numbers, scanning forward so
// repeated snippets resolve to successive occurrences.
type locator struct {
	lines  []string
	cursor int
}

func newLocator(content string) *locator {
	return &locator{lines: strings.Split(content, "\n")}
}

// find returns the 1-based line of the first line at or after the cursor
// containing needle, advancing the cursor past it.
func (l *locator) find(needle string) int {
	needle = strings.TrimSpace(needle)
	if len(needle) > 40 {
		needle = needle[:40]
	}
	if needle != "" {
		for i := l.cursor; i < len(l.lines); i++ {
			if strings.Contains(l.lines[i], needle) {
				l.cursor = i + 1
				return i + 1
			}
		}
		// inline markup can hide the literal text, fall back to the first word
		if w := wordRe.FindString(needle); w != "" {
			for i := l.cursor; i < len(l.lines); i++ {
				if strings.Contains(l.lines[i], w) {
					l.cursor = i + 1
					return i + 1
				}
			}
		}
	}
	return l.cursor + 1
}

// block locates a multi-line block and returns its line range.
func (l *locator) block(text string) (int, int) {
	first, _, _ := strings.Cut(text, "\n")
	first = strings.TrimPrefix(first, "- ")
	start := l.find(first)
	end := start + strings.Count(text, "\n")
	if end > len(l.lines) {
		end = len(l.lines)
	}
	if end > l.cursor {
		l.cursor = end
	}
	return start, end
}
