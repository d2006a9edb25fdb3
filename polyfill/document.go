package polyfill

import (
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// MutationKind labels a document change notification.
type MutationKind int

const (
	// MutationChildList reports a subtree inserted under the document root.
	// Node is the inserted subtree's root.
	MutationChildList MutationKind = iota
	// MutationAttribute reports an attribute write on an element.
	MutationAttribute
)

// Mutation is one entry of a batched change notification.
type Mutation struct {
	Kind MutationKind
	Node *html.Node
	Attr string
}

// Document wraps a parsed HTML tree behind a lock and publishes batched
// mutation notifications to a single observer. All tree access from outside
// the engine should go through Document methods; raw *html.Node mutation
// bypasses change observation.
type Document struct {
	mu       sync.Mutex
	root     *html.Node
	base     string
	observer func([]Mutation)
}

// NewDocument wraps an already-parsed tree. base is the url the document was
// loaded from; a <base href> element in the tree overrides it.
func NewDocument(root *html.Node, base string) *Document {
	d := &Document{root: root, base: base}
	if href := findBaseHref(root); href != "" {
		d.base = resolveRef(base, href)
	}
	return d
}

// ParseDocument parses HTML from r and wraps it.
func ParseDocument(r io.Reader, base string) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return NewDocument(root, base), nil
}

func (d *Document) Root() *html.Node { return d.root }

// Base returns the url relative references resolve against.
func (d *Document) Base() string { return d.base }

// Render serializes the current tree.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

func (d *Document) GetAttr(n *html.Node, key string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nodeAttr(n, key)
}

// SetAttr writes an attribute and notifies the observer.
func (d *Document) SetAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	setNodeAttr(n, key, val)
	d.mu.Unlock()
	d.publish([]Mutation{{Kind: MutationAttribute, Node: n, Attr: key}})
}

// RemoveAttr drops an attribute and notifies the observer.
func (d *Document) RemoveAttr(n *html.Node, key string) {
	d.mu.Lock()
	removeNodeAttr(n, key)
	d.mu.Unlock()
	d.publish([]Mutation{{Kind: MutationAttribute, Node: n, Attr: key}})
}

// AppendChild attaches subtree under parent and notifies the observer with a
// single child-list mutation covering the whole subtree.
func (d *Document) AppendChild(parent, subtree *html.Node) {
	d.mu.Lock()
	parent.AppendChild(subtree)
	d.mu.Unlock()
	d.publish([]Mutation{{Kind: MutationChildList, Node: subtree}})
}

// withLock runs fn with the tree lock held, for consistent traversal.
func (d *Document) withLock(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// observe installs the single change observer. The returned func detaches it.
func (d *Document) observe(fn func([]Mutation)) func() {
	d.mu.Lock()
	d.observer = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.observer = nil
		d.mu.Unlock()
	}
}

// publish delivers a batch synchronously, outside the tree lock so the
// observer can read or write the tree.
func (d *Document) publish(batch []Mutation) {
	d.mu.Lock()
	fn := d.observer
	d.mu.Unlock()
	if fn != nil && len(batch) > 0 {
		fn(batch)
	}
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func setNodeAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeNodeAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func findBaseHref(root *html.Node) string {
	var out string
	walkElements(root, func(n *html.Node) {
		if out == "" && strings.EqualFold(n.Data, "base") {
			out = strings.TrimSpace(nodeAttr(n, "href"))
		}
	})
	return out
}

// walkElements visits every element node of the subtree rooted at n,
// including n itself.
func walkElements(n *html.Node, fn func(*html.Node)) {
	if n == nil {
		return
	}
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

// resolveRef resolves href against base, returning href unchanged when
// resolution is impossible.
func resolveRef(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "data:") {
		return href
	}
	bu, err := url.Parse(strings.TrimSpace(base))
	if err != nil || bu.Scheme == "" {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}
