package normalize

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToText strips tags, decodes entities and collapses whitespace.
// Script and style bodies are dropped.
func HTMLToText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}

	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	skipDepth := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseWhitespace(b.String())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript:
				if tt == html.StartTagToken {
					skipDepth++
				}
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.Td, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteByte(' ')
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Noscript:
				if skipDepth > 0 {
					skipDepth--
				}
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.Td:
				b.WriteByte(' ')
			}

		case html.TextToken:
			if skipDepth == 0 {
				// Text() returns entity-decoded content.
				b.Write(z.Text())
			}
		}
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
