// Package document defines the build document model and decodes it from
// JSON, YAML, TOML, HCL, Markdown and HTML.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// revisionLen is the number of fingerprint characters in a revision.
const revisionLen = 12

// Format identifies the encoding of a build document.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatTOML     Format = "toml"
	FormatHCL      Format = "hcl"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Document is a parsed build document: the declared steps plus any prose
// that should be ingested as retrievable context.
type Document struct {
	Name    string     `json:"name" yaml:"name" toml:"name"`
	Content string     `json:"content,omitempty" yaml:"content,omitempty" toml:"content,omitempty"`
	Steps   []StepSpec `json:"steps" yaml:"steps" toml:"steps"`

	// References are text files, relative to the document, ingested with
	// Content as retrievable context.
	References []string `json:"references,omitempty" yaml:"references,omitempty" toml:"references,omitempty"`

	// Source is the path or name the document was read from.
	Source string `json:"-" yaml:"-" toml:"-"`
	Format Format `json:"-" yaml:"-" toml:"-"`
}

// StepSpec is one step as declared by the document author. It is not
// validated; graph.Builder turns it into an immutable BuildStep.
type StepSpec struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Kind        string `json:"kind" yaml:"kind" toml:"kind"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`

	Command  string `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	FilePath string `json:"filePath,omitempty" yaml:"filePath,omitempty" toml:"filePath,omitempty"`
	Content  string `json:"content,omitempty" yaml:"content,omitempty" toml:"content,omitempty"`
	Source   string `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	Prompt   string `json:"prompt,omitempty" yaml:"prompt,omitempty" toml:"prompt,omitempty"`
	Package  string `json:"package,omitempty" yaml:"package,omitempty" toml:"package,omitempty"`
	Manager  string `json:"manager,omitempty" yaml:"manager,omitempty" toml:"manager,omitempty"`
	Find     string `json:"find,omitempty" yaml:"find,omitempty" toml:"find,omitempty"`
	Replace  string `json:"replace,omitempty" yaml:"replace,omitempty" toml:"replace,omitempty"`
	Append   string `json:"append,omitempty" yaml:"append,omitempty" toml:"append,omitempty"`

	DependsOn       []string        `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty" toml:"dependsOn,omitempty"`
	Conditions      []ConditionSpec `json:"conditions,omitempty" yaml:"conditions,omitempty" toml:"conditions,omitempty"`
	TimeoutMs       int             `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" toml:"timeoutMs,omitempty"`
	MaxRetries      int             `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty" toml:"maxRetries,omitempty"`
	Critical        bool            `json:"critical,omitempty" yaml:"critical,omitempty" toml:"critical,omitempty"`
	Rollback        []string        `json:"rollback,omitempty" yaml:"rollback,omitempty" toml:"rollback,omitempty"`
	TolerateSkipped bool            `json:"tolerateSkipped,omitempty" yaml:"tolerateSkipped,omitempty" toml:"tolerateSkipped,omitempty"`
	Root            bool            `json:"root,omitempty" yaml:"root,omitempty" toml:"root,omitempty"`
	Tags            []string        `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
}

// ConditionSpec guards a step. Type is one of file-exists,
// prior-command-succeeded, env-var-set or custom.
type ConditionSpec struct {
	Type     string `json:"type" yaml:"type" toml:"type"`
	Target   string `json:"target" yaml:"target" toml:"target"`
	Expected string `json:"expected,omitempty" yaml:"expected,omitempty" toml:"expected,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
}

// IsGeneration reports whether the step produces its content through the
// generation pipeline instead of carrying it inline.
func (s StepSpec) IsGeneration() bool {
	return strings.TrimSpace(s.Prompt) != ""
}

// DisplayName returns the document name, falling back to its source.
func (d *Document) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Source
}

// Fingerprint returns the hex SHA-256 of the document's name, content,
// steps and references. Where the document was read from does not count.
func (d *Document) Fingerprint() string {
	// every field is a string, bool, int or slice of them
	data, _ := json.Marshal(d)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Revision returns the short fingerprint that names this version of the
// document in chunk IDs and cache tags.
func (d *Document) Revision() string {
	return d.Fingerprint()[:revisionLen]
}
