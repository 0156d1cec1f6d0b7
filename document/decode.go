package document

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FormatFromPath guesses the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".hcl":
		return FormatHCL, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unsupported document extension %q", filepath.Ext(path))
	}
}

// Load reads and parses the build document at path.
func Load(path string) (*Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &ParseError{Source: path, Format: "unknown", Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", path, err)
	}
	return Parse(path, data, format)
}

// Parse decodes data in the given format.
func Parse(source string, data []byte, format Format) (*Document, error) {
	var (
		doc *Document
		err error
	)
	switch format {
	case FormatJSON:
		doc, err = decodeJSON(source, data)
	case FormatYAML:
		doc, err = decodeYAML(source, data, 0)
	case FormatTOML:
		doc, err = decodeTOML(source, data)
	case FormatHCL:
		doc, err = decodeHCL(source, data)
	case FormatMarkdown:
		doc, err = decodeMarkdown(source, data)
	case FormatHTML:
		doc, err = decodeHTML(source, data)
	default:
		return nil, &ParseError{Source: source, Format: format, Err: fmt.Errorf("unsupported format")}
	}
	if err != nil {
		return nil, err
	}
	doc.Source = source
	doc.Format = format
	if doc.Name == "" {
		doc.Name = strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	}
	return doc, nil
}

func decodeJSON(source string, data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		pe := &ParseError{Source: source, Format: FormatJSON, Err: err}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			pe.Line = lineAt(data, syntaxErr.Offset)
		case errors.As(err, &typeErr):
			pe.Line = lineAt(data, typeErr.Offset)
		}
		return nil, pe
	}
	return &doc, nil
}

// decodeYAML accepts either a mapping with a steps key or a bare step list.
// lineOffset shifts reported lines when data is embedded in another file.
func decodeYAML(source string, data []byte, lineOffset int) (*Document, error) {
	fail := func(err error) error {
		pe := &ParseError{Source: source, Format: FormatYAML, Err: err}
		if line := yamlErrorLine(err); line > 0 {
			pe.Line = line + lineOffset
		}
		return pe
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fail(err)
	}
	if len(root.Content) == 0 {
		return &Document{}, nil
	}

	node := root.Content[0]
	var doc Document
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&doc.Steps); err != nil {
			return nil, fail(err)
		}
	case yaml.MappingNode:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fail(err)
		}
	default:
		pe := &ParseError{Source: source, Format: FormatYAML, Line: node.Line + lineOffset,
			Err: fmt.Errorf("expected a mapping or a step list")}
		return nil, pe
	}
	return &doc, nil
}

func decodeTOML(source string, data []byte) (*Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		pe := &ParseError{Source: source, Format: FormatTOML, Err: err}
		var decErr *toml.DecodeError
		if errors.As(err, &decErr) {
			pe.Line, _ = decErr.Position()
		}
		return nil, pe
	}
	return &doc, nil
}

type hclDocument struct {
	Name       string     `hcl:"name,optional"`
	Content    string     `hcl:"content,optional"`
	References []string   `hcl:"references,optional"`
	Steps      []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	ID              string          `hcl:"id,label"`
	Kind            string          `hcl:"kind"`
	Description     string          `hcl:"description,optional"`
	Command         string          `hcl:"command,optional"`
	FilePath        string          `hcl:"file_path,optional"`
	Content         string          `hcl:"content,optional"`
	Source          string          `hcl:"source,optional"`
	Prompt          string          `hcl:"prompt,optional"`
	Package         string          `hcl:"package,optional"`
	Manager         string          `hcl:"manager,optional"`
	Find            string          `hcl:"find,optional"`
	Replace         string          `hcl:"replace,optional"`
	Append          string          `hcl:"append,optional"`
	DependsOn       []string        `hcl:"depends_on,optional"`
	Conditions      []*hclCondition `hcl:"condition,block"`
	TimeoutMs       int             `hcl:"timeout_ms,optional"`
	MaxRetries      int             `hcl:"max_retries,optional"`
	Critical        bool            `hcl:"critical,optional"`
	Rollback        []string        `hcl:"rollback,optional"`
	TolerateSkipped bool            `hcl:"tolerate_skipped,optional"`
	Root            bool            `hcl:"root,optional"`
	Tags            []string        `hcl:"tags,optional"`
}

type hclCondition struct {
	Type     string `hcl:"type,label"`
	Target   string `hcl:"target"`
	Expected string `hcl:"expected,optional"`
	Required bool   `hcl:"required,optional"`
}

func decodeHCL(source string, data []byte) (*Document, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, source)
	if diags.HasErrors() {
		return nil, hclParseError(source, diags)
	}

	var parsed hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, hclParseError(source, diags)
	}

	doc := &Document{Name: parsed.Name, Content: parsed.Content, References: parsed.References}
	for _, s := range parsed.Steps {
		spec := StepSpec{
			ID:              s.ID,
			Kind:            s.Kind,
			Description:     s.Description,
			Command:         s.Command,
			FilePath:        s.FilePath,
			Content:         s.Content,
			Source:          s.Source,
			Prompt:          s.Prompt,
			Package:         s.Package,
			Manager:         s.Manager,
			Find:            s.Find,
			Replace:         s.Replace,
			Append:          s.Append,
			DependsOn:       s.DependsOn,
			TimeoutMs:       s.TimeoutMs,
			MaxRetries:      s.MaxRetries,
			Critical:        s.Critical,
			Rollback:        s.Rollback,
			TolerateSkipped: s.TolerateSkipped,
			Root:            s.Root,
			Tags:            s.Tags,
		}
		for _, c := range s.Conditions {
			spec.Conditions = append(spec.Conditions, ConditionSpec{
				Type:     c.Type,
				Target:   c.Target,
				Expected: c.Expected,
				Required: c.Required,
			})
		}
		doc.Steps = append(doc.Steps, spec)
	}
	return doc, nil
}

func hclParseError(source string, diags hcl.Diagnostics) *ParseError {
	pe := &ParseError{Source: source, Format: FormatHCL, Err: diags}
	for _, d := range diags {
		if d.Severity == hcl.DiagError && d.Subject != nil {
			pe.Line = d.Subject.Start.Line
			break
		}
	}
	return pe
}

// decodeMarkdown reads steps from the first ```steps fenced block. All other
// text is kept as document content for ingestion.
func decodeMarkdown(source string, data []byte) (*Document, error) {
	var (
		content   strings.Builder
		stepsBody strings.Builder
		title     string
		fence     string
		inSteps   bool
		seenSteps bool
		stepsLine int
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		trimmed := strings.TrimSpace(line)

		if inSteps {
			if trimmed == fence {
				inSteps = false
				continue
			}
			stepsBody.WriteString(line)
			stepsBody.WriteByte('\n')
			continue
		}

		if !seenSteps {
			if f, info, ok := openFence(trimmed); ok && info == "steps" {
				inSteps, seenSteps = true, true
				fence = f
				stepsLine = lineNo
				continue
			}
		}

		if title == "" && strings.HasPrefix(trimmed, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
		content.WriteString(line)
		content.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Source: source, Format: FormatMarkdown, Err: err}
	}
	if inSteps {
		return nil, &ParseError{Source: source, Format: FormatMarkdown, Line: stepsLine,
			Err: fmt.Errorf("unterminated steps block")}
	}

	doc := &Document{}
	if seenSteps {
		parsed, err := decodeYAML(source, []byte(stepsBody.String()), stepsLine)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.Format = FormatMarkdown
			}
			return nil, err
		}
		doc = parsed
	}
	if doc.Name == "" {
		doc.Name = title
	}
	doc.Content = strings.TrimSpace(doc.Content + "\n" + content.String())
	return doc, nil
}

func openFence(line string) (fence, info string, ok bool) {
	for _, f := range []string{"```", "~~~"} {
		if strings.HasPrefix(line, f) {
			return f, strings.TrimSpace(strings.TrimPrefix(line, f)), true
		}
	}
	return "", "", false
}

func lineAt(data []byte, offset int64) int {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return bytes.Count(data[:offset], []byte{'\n'}) + 1
}

func yamlErrorLine(err error) int {
	var line int
	msg := err.Error()
	if i := strings.Index(msg, "line "); i >= 0 {
		if _, scanErr := fmt.Sscanf(msg[i:], "line %d", &line); scanErr == nil {
			return line
		}
	}
	return 0
}
