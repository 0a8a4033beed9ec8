// Package render turns app markdown (long descriptions, bundled
// READMEs) into plain text suitable for a terminal. Markdown is first
// rendered to HTML with goldmark, then the DOM is reduced to readable
// text with link targets preserved.
package render

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements are HTML elements whose content should be excluded.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
}

// Markdown renders markdown to terminal text. Input that fails to
// render is returned trimmed but otherwise untouched.
func Markdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return strings.TrimSpace(md)
	}
	return HTML(buf.String())
}

// HTML reduces an HTML fragment to readable text.
func HTML(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// Fallback: strip tags naively
		return stripTags(raw)
	}

	var b strings.Builder
	writeText(doc, &b)
	return cleanWhitespace(b.String())
}

// writeText recursively extracts visible text from the DOM. Anchors
// keep their targets as "text (url)"; list items get a leading dash.
func writeText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode {
		if skipElements[n.DataAtom] {
			return
		}

		switch {
		case n.DataAtom == atom.A:
			text := strings.TrimSpace(getTextContent(n))
			href := attrValue(n, "href")
			if text == "" {
				text = href
			}
			b.WriteString(text)
			if href != "" && href != text {
				b.WriteString(" (" + href + ")")
			}
			b.WriteString(" ")
			return

		case n.DataAtom == atom.Li:
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("- ")

		case isBlockElement(n.DataAtom) && b.Len() > 0:
			b.WriteString("\n\n")
		}
	}

	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			b.WriteString(text)
			b.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, b)
	}

	if n.Type == html.ElementNode && n.DataAtom == atom.Br {
		b.WriteString("\n")
	}
}

// getTextContent returns concatenated text of all children.
func getTextContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(getTextContent(c))
	}
	return b.String()
}

// attrValue returns the value of the named attribute, or "".
func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// isBlockElement returns true for elements that typically render as blocks.
func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Tr, atom.Dl, atom.Dd, atom.Dt, atom.Figcaption, atom.Figure,
		atom.Details, atom.Summary, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace normalizes whitespace in extracted text.
func cleanWhitespace(s string) string {
	// Collapse runs of spaces/tabs within lines
	lines := strings.Split(s, "\n")
	var cleaned []string
	prevEmpty := false

	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue // Skip consecutive blank lines
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// stripTags is a fallback that removes HTML tags naively.
func stripTags(s string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			// EOF or tokenizer failure; return what we have either way.
			return cleanWhitespace(b.String())
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}
