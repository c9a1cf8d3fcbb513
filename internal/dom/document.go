package dom

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
)

// MutationKind classifies a single tree edit
type MutationKind int

const (
	NodeAdded MutationKind = iota
	NodeRemoved
	TextChanged
)

// MutationRecord describes one tree edit. SelfInflicted marks edits made by
// the masking engine itself so observers can ignore them.
type MutationRecord struct {
	Kind          MutationKind
	Node          *html.Node
	SelfInflicted bool
}

// MutationBatch groups the records emitted by one atomic operation
type MutationBatch []MutationRecord

// Document wraps an html.Node tree and acts as the single mutation gateway:
// every edit goes through it and is announced to subscribers, which is what
// stands in for a browser's MutationObserver. It also tracks visibility,
// mirroring document.visibilityState.
//
// The lock covers the node link fields (parent, child, sibling) and
// attributes: mutators hold the write lock, and every reader that traverses
// the tree goes through a method here that holds the read lock, so scans can
// overlap HTTP-driven edits safely.
type Document struct {
	mu          sync.RWMutex
	root        *html.Node
	subscribers []chan MutationBatch
	visible     bool
	visWatchers []func(bool)
}

// Parse reads an HTML document into a Document. Visibility starts visible.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	return &Document{root: root, visible: true}, nil
}

// ParseString is a convenience wrapper around Parse
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// Root returns the document root node
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the body element, or nil if the document has none
func (d *Document) Body() *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return findElement(d.root, "body")
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

// Visible reports the current visibility state
func (d *Document) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

// SetVisible changes the visibility state and notifies watchers
func (d *Document) SetVisible(visible bool) {
	d.mu.Lock()
	if d.visible == visible {
		d.mu.Unlock()
		return
	}
	d.visible = visible
	watchers := make([]func(bool), len(d.visWatchers))
	copy(watchers, d.visWatchers)
	d.mu.Unlock()

	for _, fn := range watchers {
		fn(visible)
	}
}

// OnVisibilityChange registers a watcher invoked on every visibility flip
func (d *Document) OnVisibilityChange(fn func(bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.visWatchers = append(d.visWatchers, fn)
}

// Subscribe returns a channel receiving mutation batches. The channel is
// buffered; a subscriber that falls behind loses batches rather than
// blocking mutators.
func (d *Document) Subscribe() chan MutationBatch {
	ch := make(chan MutationBatch, 64)
	d.mu.Lock()
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()
	return ch
}

// Unsubscribe removes a previously subscribed channel. The channel is not
// closed: notify sends on its snapshot of the subscriber list outside the
// lock, so a close here could race a concurrent send and panic. Receivers
// stop on their own signal and the channel is simply collected.
func (d *Document) Unsubscribe(ch chan MutationBatch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, sub := range d.subscribers {
		if sub == ch {
			d.subscribers = append(d.subscribers[:i:i], d.subscribers[i+1:]...)
			return
		}
	}
}

func (d *Document) notify(batch MutationBatch) {
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	subs := make([]chan MutationBatch, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- batch:
		default:
			// Subscriber is saturated; dropping is safe because the next
			// batch re-triggers the same rescan decision.
		}
	}
}

// Attached reports whether n is still reachable from the document root
func (d *Document) Attached(n *html.Node) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.attachedLocked(n)
}

func (d *Document) attachedLocked(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == d.root {
			return true
		}
	}
	return false
}

// ParentOf returns n's current parent under the document lock
func (d *Document) ParentOf(n *html.Node) *html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return n.Parent
}

// NodeText returns the concatenated text beneath n under the document lock
func (d *Document) NodeText(n *html.Node) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sb strings.Builder
	collectText(n, &sb)
	return sb.String()
}

// NodeAttr reads an attribute of an attached node under the document lock
func (d *Document) NodeAttr(n *html.Node, key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return GetAttr(n, key)
}

// SetNodeAttr writes an attribute of an attached node under the document
// lock. For nodes not yet inserted, plain SetAttr is enough.
func (d *Document) SetNodeAttr(n *html.Node, key, val string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	SetAttr(n, key, val)
}

// RemoveNodeAttr deletes an attribute of an attached node under the
// document lock
func (d *Document) RemoveNodeAttr(n *html.Node, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	RemoveAttr(n, key)
}

// ReadLocked runs fn while holding the document read lock, for callers that
// need to inspect several raw node fields consistently. fn must not call
// back into the document.
func (d *Document) ReadLocked(fn func()) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn()
}

// CollectElements returns the elements for which match returns true, in
// document order, without descending into matched subtrees. The whole
// traversal happens under the read lock, so match must not call back into
// the document.
func (d *Document) CollectElements(match func(*html.Node) bool) []*html.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*html.Node
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(d.root)
	return out
}

// AppendChild attaches child under parent and announces the addition
func (d *Document) AppendChild(parent, child *html.Node) {
	d.mu.Lock()
	parent.AppendChild(child)
	d.mu.Unlock()
	d.notify(MutationBatch{{Kind: NodeAdded, Node: child}})
}

// RemoveNode detaches n from its parent and announces the removal
func (d *Document) RemoveNode(n *html.Node) {
	d.mu.Lock()
	if n.Parent == nil {
		d.mu.Unlock()
		return
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.mu.Unlock()
	d.notify(MutationBatch{{Kind: NodeRemoved, Node: n}})
}

// SetText replaces the content of a text node and announces the change
func (d *Document) SetText(textNode *html.Node, text string) {
	d.mu.Lock()
	textNode.Data = text
	d.mu.Unlock()
	d.notify(MutationBatch{{Kind: TextChanged, Node: textNode}})
}

// ReplaceWithFragment swaps old for the given sibling sequence in one atomic
// operation. Used by the masking engine, which marks the edit self-inflicted
// so the change monitor does not chase its own output.
func (d *Document) ReplaceWithFragment(old *html.Node, fragment []*html.Node, selfInflicted bool) error {
	d.mu.Lock()
	parent := old.Parent
	if parent == nil {
		d.mu.Unlock()
		return fmt.Errorf("node is detached")
	}

	batch := make(MutationBatch, 0, len(fragment)+1)
	for _, n := range fragment {
		parent.InsertBefore(n, old)
		batch = append(batch, MutationRecord{Kind: NodeAdded, Node: n, SelfInflicted: selfInflicted})
	}
	parent.RemoveChild(old)
	batch = append(batch, MutationRecord{Kind: NodeRemoved, Node: old, SelfInflicted: selfInflicted})
	d.mu.Unlock()

	d.notify(batch)
	return nil
}

// Render serializes the document as HTML
func (d *Document) Render(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return html.Render(w, d.root)
}

// RenderString serializes the document and returns it as a string
func (d *Document) RenderString() (string, error) {
	var sb strings.Builder
	if err := d.Render(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// VisibleText returns the concatenated text content of the document in
// document order. Placeholders contribute their visible replacement text.
func (d *Document) VisibleText() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var sb strings.Builder
	collectText(d.root, &sb)
	return sb.String()
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// TextContent returns the concatenated text beneath a single node
func TextContent(n *html.Node) string {
	var sb strings.Builder
	collectText(n, &sb)
	return sb.String()
}

// GetAttr returns the value of an attribute on an element node
func GetAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets or replaces an attribute on an element node
func SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute from an element node
func RemoveAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i:i], n.Attr[i+1:]...)
			return
		}
	}
}
