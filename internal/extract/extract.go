// Package extract finds published document references in a page fragment.
//
// A reference is three adjacent meaningful nodes: a text node containing a
// YYYY-MM-DD date, a bold/emphasis element naming the document type, and an
// anchor whose text is the title and whose href is the document URL.
package extract

import (
	"regexp"
	"strings"
)

// Record is one discovered document reference.
type Record struct {
	Date  string `json:"date"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

var datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

var typeTags = map[string]bool{
	"b":      true,
	"strong": true,
	"em":     true,
	"i":      true,
}

// Extract scans the children of root and returns every complete
// date/type/link triple in document order. A nil root yields an empty slice.
func Extract(root Container) []Record {
	records := []Record{}
	if root == nil {
		return records
	}

	nodes := meaningful(root.Children())
	for i := 0; i < len(nodes); i++ {
		rec, ok := matchAt(nodes, i)
		if !ok {
			continue
		}
		records = append(records, rec)
		i += 2
	}
	return records
}

// meaningful drops whitespace-only text nodes so that semantically adjacent
// nodes become positionally adjacent.
func meaningful(children []Node) []Node {
	out := make([]Node, 0, len(children))
	for _, n := range children {
		if n == nil {
			continue
		}
		if n.IsElement() || strings.TrimSpace(n.Text()) != "" {
			out = append(out, n)
		}
	}
	return out
}

func matchAt(nodes []Node, i int) (Record, bool) {
	if i+2 >= len(nodes) {
		return Record{}, false
	}

	dateNode, typeNode, linkNode := nodes[i], nodes[i+1], nodes[i+2]
	if dateNode.IsElement() {
		return Record{}, false
	}
	date := datePattern.FindString(dateNode.Text())
	if date == "" {
		return Record{}, false
	}
	if !typeNode.IsElement() || !typeTags[typeNode.Tag()] {
		return Record{}, false
	}
	if !linkNode.IsElement() || linkNode.Tag() != "a" {
		return Record{}, false
	}

	rec := Record{
		Date:  date,
		Type:  strings.TrimSpace(typeNode.Text()),
		Title: strings.TrimSpace(linkNode.Text()),
		URL:   strings.TrimSpace(linkNode.Href()),
	}
	if rec.Type == "" || rec.Title == "" || rec.URL == "" {
		return Record{}, false
	}
	return rec, true
}
