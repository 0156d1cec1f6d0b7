package document

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// htmlPolicy drops scripts, styles and event handlers while keeping the code
// block classes that carry language hints.
func htmlPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("pre", "code")
	return p
}

// decodeHTML converts an HTML page into markdown-shaped content so the
// chunker treats every input the same way. Steps live in <pre class="steps">.
func decodeHTML(source string, data []byte) (*Document, error) {
	clean := htmlPolicy().SanitizeBytes(data)
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(clean))
	if err != nil {
		return nil, &ParseError{Source: source, Format: FormatHTML, Err: err}
	}

	doc := &Document{}
	steps := page.Find("pre.steps").First()
	if steps.Length() > 0 {
		parsed, err := decodeYAML(source, []byte(steps.Text()), 0)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Format = FormatHTML
			}
			return nil, err
		}
		doc = parsed
		steps.Remove()
	}

	if doc.Name == "" {
		doc.Name = strings.TrimSpace(page.Find("h1").First().Text())
	}

	var b strings.Builder
	page.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		// nested pre inside li is emitted by the li itself
		if goquery.NodeName(s) != "li" && s.ParentsFiltered("li").Length() > 0 {
			return
		}
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch name := goquery.NodeName(s); name {
		case "pre":
			fmt.Fprintf(&b, "```%s\n%s\n```\n\n", codeLanguage(s), text)
		case "li":
			fmt.Fprintf(&b, "- %s\n", collapseSpace(text))
		case "p":
			fmt.Fprintf(&b, "%s\n\n", collapseSpace(text))
		default:
			level := int(name[1] - '0')
			fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", level), collapseSpace(text))
		}
	})
	doc.Content = strings.TrimSpace(doc.Content + "\n" + b.String())
	return doc, nil
}

func codeLanguage(pre *goquery.Selection) string {
	classes, _ := pre.Find("code").Attr("class")
	if own, ok := pre.Attr("class"); ok {
		classes += " " + own
	}
	for _, c := range strings.Fields(classes) {
		if lang, ok := strings.CutPrefix(c, "language-"); ok {
			return lang
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
