package extract

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// FromDocument returns the first element matching selector as a Container,
// or nil when nothing matches. Links are resolved against the document's
// <base href> if present, otherwise against pageURL.
func FromDocument(doc *goquery.Document, selector string, pageURL *url.URL) Container {
	if doc == nil {
		return nil
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil
	}
	return selectionContainer{sel: sel, base: documentBase(doc, pageURL)}
}

// ParseHTML parses an HTML page and extracts the records inside the container
// matched by selector.
func ParseHTML(r io.Reader, selector string, pageURL *url.URL) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return Extract(FromDocument(doc, selector, pageURL)), nil
}

func documentBase(doc *goquery.Document, pageURL *url.URL) *url.URL {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return pageURL
	}
	var (
		base *url.URL
		err  error
	)
	if pageURL != nil {
		base, err = pageURL.Parse(strings.TrimSpace(href))
	} else {
		base, err = url.Parse(strings.TrimSpace(href))
	}
	if err != nil {
		return pageURL
	}
	return base
}

type selectionContainer struct {
	sel  *goquery.Selection
	base *url.URL
}

func (c selectionContainer) Children() []Node {
	var out []Node
	c.sel.Contents().Each(func(_ int, s *goquery.Selection) {
		n := s.Get(0)
		if n.Type == html.ElementNode || n.Type == html.TextNode {
			out = append(out, htmlNode{sel: s, base: c.base})
		}
	})
	return out
}

// htmlNode adapts a single parsed node to Node.
type htmlNode struct {
	sel  *goquery.Selection
	base *url.URL
}

func (h htmlNode) IsElement() bool {
	return h.sel.Get(0).Type == html.ElementNode
}

func (h htmlNode) Tag() string {
	if !h.IsElement() {
		return ""
	}
	return strings.ToLower(h.sel.Get(0).Data)
}

func (h htmlNode) Text() string {
	if !h.IsElement() {
		return h.sel.Get(0).Data
	}
	return strings.Join(strings.Fields(h.sel.Text()), " ")
}

func (h htmlNode) Href() string {
	href, ok := h.sel.Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}
	if h.base == nil {
		return href
	}
	u, err := h.base.Parse(href)
	if err != nil {
		return ""
	}
	return u.String()
}
