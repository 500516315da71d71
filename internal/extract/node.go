package extract

import "strings"

// Node is the minimal tree-node capability the extractor depends on. It is
// implemented by the plain TextNode/ElementNode values below and by the
// adapter over parsed HTML in html.go.
type Node interface {
	// IsElement reports whether the node is an element (as opposed to text).
	IsElement() bool
	// Tag returns the lower-case tag name of an element, "" for text.
	Tag() string
	// Text returns the rendered text of the node.
	Text() string
	// Href returns the resolved absolute link target, "" if there is none.
	Href() string
}

// Container is a node whose children are scanned for records.
type Container interface {
	Children() []Node
}

// TextNode is a bare text node.
type TextNode struct {
	Content string
}

func (t TextNode) IsElement() bool { return false }
func (t TextNode) Tag() string     { return "" }
func (t TextNode) Text() string    { return t.Content }
func (t TextNode) Href() string    { return "" }

// ElementNode is an element with already-rendered text and an optional
// absolute href.
type ElementNode struct {
	TagName string
	Content string
	Link    string
}

func (e ElementNode) IsElement() bool { return true }
func (e ElementNode) Tag() string     { return strings.ToLower(e.TagName) }
func (e ElementNode) Text() string    { return e.Content }
func (e ElementNode) Href() string    { return e.Link }

// Nodes is a Container over a fixed child list.
type Nodes []Node

// Children returns the list itself.
func (n Nodes) Children() []Node { return n }

// Text, Bold and Link are shorthands for building structural documents.
func Text(s string) Node { return TextNode{Content: s} }

func Bold(s string) Node { return ElementNode{TagName: "b", Content: s} }

func Link(title, href string) Node {
	return ElementNode{TagName: "a", Content: title, Link: href}
}
