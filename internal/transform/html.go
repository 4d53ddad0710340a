package transform

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// signatureMarkers are matched case-insensitively against class and id
// attributes. An element carrying one is boilerplate, not content.
var signatureMarkers = []string{"signature", "email-signature", "footer", "disclaimer"}

// htmlToText parses an HTML body, strips script/style blocks, signature and
// disclaimer containers, and tracking pixels, and renders what remains as
// plain text. A parse failure falls back to returning the input unmodified
// with an error for the degradation list.
func htmlToText(src string, trackingHostPatterns []string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src, err
	}

	var b strings.Builder
	renderText(&b, doc, trackingHostPatterns)

	return tidyText(b.String()), nil
}

func renderText(b *strings.Builder, n *html.Node, trackingHostPatterns []string) {
	if n.Type == html.ElementNode && dropElement(n, trackingHostPatterns) {
		return
	}

	switch {
	case n.Type == html.TextNode:
		b.WriteString(n.Data)
	case n.Type == html.ElementNode && n.DataAtom == atom.Br:
		b.WriteString("\n")
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(b, c, trackingHostPatterns)
	}

	if n.Type == html.ElementNode && blockElement(n.DataAtom) {
		b.WriteString("\n")
	}
}

func dropElement(n *html.Node, trackingHostPatterns []string) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Head, atom.Title:
		return true
	case atom.Img:
		return trackingPixel(n, trackingHostPatterns)
	}
	for _, attr := range n.Attr {
		if attr.Key != "class" && attr.Key != "id" {
			continue
		}
		val := strings.ToLower(attr.Val)
		for _, marker := range signatureMarkers {
			if strings.Contains(val, marker) {
				return true
			}
		}
	}
	return false
}

// trackingPixel reports whether an img is a 1x1 (or smaller) pixel or points
// at a configured tracking host.
func trackingPixel(n *html.Node, trackingHostPatterns []string) bool {
	var width, height, src string
	for _, attr := range n.Attr {
		switch attr.Key {
		case "width":
			width = attr.Val
		case "height":
			height = attr.Val
		case "src":
			src = attr.Val
		}
	}
	if dimensionAtMostOne(width) && dimensionAtMostOne(height) {
		return true
	}
	for _, pattern := range trackingHostPatterns {
		if pattern != "" && strings.Contains(src, pattern) {
			return true
		}
	}
	return false
}

func dimensionAtMostOne(value string) bool {
	if value == "" {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(value), "px"))
	return err == nil && n <= 1
}

func blockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Li, atom.Tr, atom.Table, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Pre, atom.Ul, atom.Ol:
		return true
	}
	return false
}

// tidyText collapses the whitespace noise HTML rendering leaves behind:
// runs of spaces within a line, blank-heavy line sequences, and
// leading/trailing space.
func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blanks++
			if blanks > 1 || len(out) == 0 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}
