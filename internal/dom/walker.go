package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Budget bounds a single scan pass
type Budget struct {
	MaxNodesPerPass int
	MinTextLength   int
	MaxTextLength   int
}

// ExcludeFunc decides whether a node is off-limits to the walker. For
// elements the whole subtree is pruned; for text leaves only the leaf is
// skipped. Skipped nodes cost no budget.
type ExcludeFunc func(*html.Node) bool

// Containers whose text is never user-visible prose
var skippedContainers = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"textarea": true,
	"iframe":   true,
}

// Walker lazily yields eligible text leaves of a subtree in pre-order
// document order. It is finite (bounded by the budget), restartable (a new
// Walk re-walks from the root), and tolerates concurrent removals: a pending
// node that was detached before being yielded is skipped.
type Walker struct {
	doc     *Document
	exclude ExcludeFunc
	budget  Budget
	stack   []*html.Node
	yielded int
}

// Walk creates a walker over the subtree rooted at root. A detached root
// produces an already-exhausted walker rather than an error.
func (d *Document) Walk(root *html.Node, exclude ExcludeFunc, budget Budget) *Walker {
	w := &Walker{doc: d, exclude: exclude, budget: budget}
	if root != nil && d.Attached(root) {
		w.stack = []*html.Node{root}
	}
	return w
}

// Next returns the next eligible text leaf, or false when the walk is
// exhausted or the budget is spent. The document read lock is held for the
// duration of the call, so the exclude predicate must not call back into
// the document.
func (w *Walker) Next() (*html.Node, bool) {
	if w.budget.MaxNodesPerPass > 0 && w.yielded >= w.budget.MaxNodesPerPass {
		return nil, false
	}

	w.doc.mu.RLock()
	defer w.doc.mu.RUnlock()

	for len(w.stack) > 0 {
		n := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]

		// The tree may have mutated since this node was scheduled.
		if !w.doc.attachedLocked(n) {
			continue
		}

		if n.Type == html.ElementNode {
			if skippedContainers[n.Data] {
				continue
			}
			if w.exclude != nil && w.exclude(n) {
				continue
			}
			// Push children in reverse so pre-order pops left to right.
			for c := n.LastChild; c != nil; c = c.PrevSibling {
				w.stack = append(w.stack, c)
			}
			continue
		}

		if n.Type != html.TextNode {
			if n.Type == html.DocumentNode {
				for c := n.LastChild; c != nil; c = c.PrevSibling {
					w.stack = append(w.stack, c)
				}
			}
			continue
		}

		if !w.eligible(n) {
			continue
		}
		if w.exclude != nil && w.exclude(n) {
			continue
		}

		w.yielded++
		return n, true
	}
	return nil, false
}

// Exhausted reports whether the walker stopped because the subtree ran out,
// as opposed to the per-pass budget being spent. Callers use this to decide
// whether a follow-up pass is needed.
func (w *Walker) Exhausted() bool {
	return len(w.stack) == 0
}

func (w *Walker) eligible(n *html.Node) bool {
	trimmed := strings.TrimSpace(n.Data)
	if len(trimmed) < w.budget.MinTextLength {
		return false
	}
	if w.budget.MaxTextLength > 0 && len(trimmed) > w.budget.MaxTextLength {
		return false
	}
	return true
}
