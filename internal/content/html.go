package content

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose content is never visible text.
var textSkip = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
}

var markdownSkip = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
	atom.Meta:   true,
	atom.Link:   true,
}

var (
	spaceRun   = regexp.MustCompile(`\s+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// ExtractText returns the visible text of an HTML document with whitespace
// collapsed to single spaces.
func ExtractText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && textSkip[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.TrimSpace(spaceRun.ReplaceAllString(sb.String(), " ")), nil
}

// HTMLToMarkdown renders an HTML document as markdown: atx headings, "-"
// bullets, fenced code, "*" emphasis.
func HTMLToMarkdown(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	md := &markdownWriter{}
	md.children(root)
	out := blankLines.ReplaceAllString(md.sb.String(), "\n\n")
	return strings.TrimSpace(out), nil
}

type markdownWriter struct {
	sb    strings.Builder
	lists []listState
	inPre bool
}

type listState struct {
	ordered bool
	n       int
}

func (w *markdownWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *markdownWriter) block(f func()) {
	w.sb.WriteString("\n\n")
	f()
	w.sb.WriteString("\n\n")
}

// inline renders n's children into a separate buffer, collapsed to one line.
func (w *markdownWriter) inline(n *html.Node) string {
	sub := &markdownWriter{lists: w.lists}
	sub.children(n)
	return strings.TrimSpace(spaceRun.ReplaceAllString(sub.sb.String(), " "))
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func (w *markdownWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if w.inPre {
			w.sb.WriteString(n.Data)
			return
		}
		w.sb.WriteString(spaceRun.ReplaceAllString(n.Data, " "))
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	if markdownSkip[n.DataAtom] {
		return
	}

	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		w.block(func() { w.sb.WriteString(strings.Repeat("#", level) + " " + w.inline(n)) })
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Header, atom.Footer, atom.Main:
		w.block(func() { w.children(n) })
	case atom.Br:
		w.sb.WriteString("  \n")
	case atom.Hr:
		w.block(func() { w.sb.WriteString("---") })
	case atom.Strong, atom.B:
		if t := w.inline(n); t != "" {
			w.sb.WriteString("**" + t + "**")
		}
	case atom.Em, atom.I:
		if t := w.inline(n); t != "" {
			w.sb.WriteString("*" + t + "*")
		}
	case atom.Code:
		if w.inPre {
			w.children(n)
			return
		}
		w.sb.WriteString("`" + w.inline(n) + "`")
	case atom.Pre:
		w.block(func() {
			w.sb.WriteString("```\n")
			w.inPre = true
			w.children(n)
			w.inPre = false
			w.sb.WriteString("\n```")
		})
	case atom.A:
		text := w.inline(n)
		if href := attr(n, "href"); href != "" {
			w.sb.WriteString(fmt.Sprintf("[%s](%s)", text, href))
		} else {
			w.sb.WriteString(text)
		}
	case atom.Img:
		w.sb.WriteString(fmt.Sprintf("![%s](%s)", attr(n, "alt"), attr(n, "src")))
	case atom.Ul, atom.Ol:
		w.lists = append(w.lists, listState{ordered: n.DataAtom == atom.Ol})
		w.block(func() { w.children(n) })
		w.lists = w.lists[:len(w.lists)-1]
	case atom.Li:
		w.listItem(n)
	case atom.Blockquote:
		text := strings.TrimSpace(w.inline(n))
		w.block(func() { w.sb.WriteString("> " + text) })
	default:
		w.children(n)
	}
}

func (w *markdownWriter) listItem(n *html.Node) {
	marker := "- "
	depth := 0
	if len(w.lists) > 0 {
		depth = len(w.lists) - 1
		top := &w.lists[len(w.lists)-1]
		if top.ordered {
			top.n++
			marker = fmt.Sprintf("%d. ", top.n)
		}
	}
	w.sb.WriteString("\n" + strings.Repeat("  ", depth) + marker + w.inline(n))
}
