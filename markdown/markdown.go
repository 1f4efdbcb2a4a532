// Package markdown converts between GitHub-flavored markdown
// and the markdown dialect of Discord messages.
package markdown

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Discord limits.
const (
	MaxMessageLen = 2000
	MaxThreadName = 100
)

var gfm = goldmark.New(goldmark.WithExtensions(extension.GFM))

// ToDiscord converts GitHub markdown to Discord markdown.
// Headings beyond level 3 become bold lines,
// images become links,
// tables become code blocks,
// and raw HTML is dropped.
func ToDiscord(src string) string {
	source := []byte(src)
	doc := gfm.Parser().Parse(text.NewReader(source))
	c := converter{src: source}
	return strings.TrimSpace(c.blocks(doc, "\n\n"))
}

type converter struct {
	src []byte
}

func (c converter) blocks(parent ast.Node, sep string) string {
	var parts []string
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		if s := c.block(n); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func (c converter) block(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Heading:
		if n.Level <= 3 {
			return strings.Repeat("#", n.Level) + " " + c.inlines(n)
		}
		return "**" + c.inlines(n) + "**"

	case *ast.Paragraph, *ast.TextBlock:
		return c.inlines(n)

	case *ast.FencedCodeBlock:
		return "```" + string(n.Language(c.src)) + "\n" + c.lines(n) + "```"

	case *ast.CodeBlock:
		return "```\n" + c.lines(n) + "```"

	case *ast.Blockquote:
		inner := c.blocks(n, "\n\n")
		return prefixLines(inner, "> ", "> ")

	case *ast.List:
		return c.list(n)

	case *ast.ThematicBreak:
		return "---"

	case *ast.HTMLBlock:
		return ""

	case *east.Table:
		return c.table(n)
	}
	return c.inlines(n)
}

func (c converter) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(c.src))
	}
	return b.String()
}

func (c converter) list(l *ast.List) string {
	sep := "\n"
	if !l.IsTight {
		sep = "\n\n"
	}
	var items []string
	i := 0
	for n := l.FirstChild(); n != nil; n = n.NextSibling() {
		marker := "- "
		if l.IsOrdered() {
			marker = fmt.Sprintf("%d. ", l.Start+i)
		}
		content := c.blocks(n, sep)
		items = append(items, prefixLines(content, marker, strings.Repeat(" ", len(marker))))
		i++
	}
	return strings.Join(items, sep)
}

func (c converter) table(t *east.Table) string {
	var rows [][]string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var row []string
		for cell := r.FirstChild(); cell != nil; cell = cell.NextSibling() {
			row = append(row, c.inlines(cell))
		}
		rows = append(rows, row)
	}

	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], utf8.RuneCountInString(cell))
		}
	}

	var b strings.Builder
	b.WriteString("```\n")
	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i > 0 {
				line.WriteString(" | ")
			}
			line.WriteString(cell)
			line.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(cell)))
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}

func (c converter) inlines(parent ast.Node) string {
	var b strings.Builder
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		b.WriteString(c.inline(n))
	}
	return b.String()
}

func (c converter) inline(n ast.Node) string {
	switch n := n.(type) {
	case *ast.Text:
		s := string(n.Segment.Value(c.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			s += "\n"
		}
		return s

	case *ast.String:
		return string(n.Value)

	case *ast.Emphasis:
		mark := "*"
		if n.Level == 2 {
			mark = "**"
		}
		return mark + c.inlines(n) + mark

	case *east.Strikethrough:
		return "~~" + c.inlines(n) + "~~"

	case *ast.CodeSpan:
		return "`" + c.inlines(n) + "`"

	case *ast.Link:
		label, dest := c.inlines(n), string(n.Destination)
		if label == "" || label == dest {
			return dest
		}
		return "[" + label + "](" + dest + ")"

	case *ast.AutoLink:
		return string(n.URL(c.src))

	case *ast.Image:
		alt, dest := c.inlines(n), string(n.Destination)
		if alt == "" {
			return dest
		}
		return "[" + alt + "](" + dest + ")"

	case *ast.RawHTML:
		var raw strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			raw.Write(seg.Value(c.src))
		}
		if strings.HasPrefix(strings.ToLower(raw.String()), "<br") {
			return "\n"
		}
		return ""

	case *east.TaskCheckBox:
		if n.IsChecked {
			return "☑ "
		}
		return "☐ "
	}
	return c.inlines(n)
}

func prefixLines(s, first, rest string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		p := rest
		if i == 0 {
			p = first
		}
		if line == "" && i > 0 {
			lines[i] = strings.TrimRight(p, " ")
			continue
		}
		lines[i] = p + line
	}
	return strings.Join(lines, "\n")
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
