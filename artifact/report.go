package artifact

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
	"github.com/smallnest/ragbuild/executor"
)

// Report summarizes a build for humans.
type Report struct {
	RunID      string                    `json:"runId"`
	Graph      string                    `json:"graph"`
	Status     executor.BuildStatus      `json:"status"`
	FailedStep string                    `json:"failedStep,omitempty"`
	Duration   time.Duration             `json:"duration"`
	Summary    executor.Summary          `json:"summary"`
	Steps      []executor.StepRecord     `json:"steps"`
	Rollback   []executor.RollbackAction `json:"rollback,omitempty"`
	Files      []File                    `json:"files"`
	Omissions  []Omission                `json:"omissions,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
}

// NewReport builds a report from a build record.
func NewReport(record *executor.Record, files []File, omissions []Omission) *Report {
	r := &Report{
		RunID:      record.RunID,
		Graph:      record.Graph,
		Status:     record.Status,
		FailedStep: record.FailedStep,
		Summary:    record.Summarize(),
		Steps:      record.Steps,
		Rollback:   record.Rollback,
		Files:      files,
		Omissions:  omissions,
		Warnings:   record.Warnings,
	}
	if !record.FinishedAt.IsZero() {
		r.Duration = record.FinishedAt.Sub(record.StartedAt)
	}
	return r
}

// Markdown renders the report as markdown.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Build report: %s\n\n", r.Graph)
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Status: **%s**\n", r.Status)
	if r.FailedStep != "" {
		fmt.Fprintf(&b, "- Failed step: `%s`\n", r.FailedStep)
	}
	fmt.Fprintf(&b, "- Duration: %s\n", r.Duration.Round(time.Millisecond))
	s := r.Summary
	fmt.Fprintf(&b, "- Steps: %d succeeded, %d failed, %d skipped, %d rolled back\n",
		s.Succeeded, s.Failed, s.Skipped, s.RolledBack)
	if s.CacheHits+s.CacheMiss > 0 {
		fmt.Fprintf(&b, "- Generation cache: %d hits, %d misses\n", s.CacheHits, s.CacheMiss)
	}

	b.WriteString("\n## Steps\n\n")
	b.WriteString("| Step | Kind | Status | Attempts | Duration | Notes |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, st := range r.Steps {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %s | %s |\n",
			cell(st.ID), st.Kind, st.Status, st.Attempts, st.Duration.Round(time.Millisecond), cell(notes(st)))
	}

	if len(r.Rollback) > 0 {
		b.WriteString("\n## Rollback\n\n")
		for _, rb := range r.Rollback {
			switch {
			case rb.NoOp:
				fmt.Fprintf(&b, "- `%s` for `%s`: no-op (%s)\n", rb.StepID, rb.For, rb.Reason)
			case rb.Error != "":
				fmt.Fprintf(&b, "- `%s` for `%s`: %s: %s\n", rb.StepID, rb.For, rb.Status, rb.Error)
			default:
				fmt.Fprintf(&b, "- `%s` for `%s`: %s\n", rb.StepID, rb.For, rb.Status)
			}
		}
	}

	if len(r.Files) > 0 {
		b.WriteString("\n## Files\n\n")
		b.WriteString("| Path | Step | Size | Source |\n")
		b.WriteString("|---|---|---|---|\n")
		for _, f := range r.Files {
			source := "written"
			if f.Generated {
				source = "generated"
				if f.CacheHit != "" && f.CacheHit != "miss" {
					source += " (cache " + f.CacheHit + ")"
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", cell(f.Path), cell(f.StepID), f.Size, source)
		}
	}

	if len(r.Omissions) > 0 {
		b.WriteString("\n## Omitted outputs\n\n")
		for _, o := range r.Omissions {
			fmt.Fprintf(&b, "- `%s` from `%s`: %s\n", o.Path, o.StepID, o.Reason)
		}
	}

	if len(r.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Build report: {{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the markdown report as a sanitized standalone page.
func (r *Report) HTML() []byte {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
	doc := p.Parse([]byte(r.Markdown()))
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	body := bluemonday.UGCPolicy().SanitizeBytes(markdown.Render(doc, renderer))

	var b strings.Builder
	_ = page.Execute(&b, struct {
		Title string
		Body  template.HTML
	}{
		Title: r.Graph,
		Body:  template.HTML(body), // #nosec G203 sanitized above
	})
	return []byte(b.String())
}

func notes(st executor.StepRecord) string {
	var parts []string
	if st.Critical {
		parts = append(parts, "critical")
	}
	if st.Generated {
		parts = append(parts, fmt.Sprintf("generated, cache %s, %d context chunks", st.CacheHit, len(st.ContextChunks)))
	}
	if st.SkipReason != "" {
		parts = append(parts, st.SkipReason)
	}
	if st.Error != "" {
		parts = append(parts, st.Error)
	}
	parts = append(parts, st.Warnings...)
	return strings.Join(parts, "; ")
}

// cell keeps a value inside one markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
