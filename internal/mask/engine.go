package mask

import (
	"encoding/base64"
	"strings"

	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/patterns"
	"github.com/pageveil/pageveil/internal/settings"
	"go.uber.org/zap"

	"golang.org/x/net/html"
)

const (
	// MaskClass is the marker class every placeholder carries
	MaskClass = "pv-mask"
	// OriginalAttr holds the reversibly encoded original text
	OriginalAttr = "data-pv-original"
	// CategoryAttr tags the placeholder with the matching category
	CategoryAttr = "data-pv-category"
	// IndicatorClass marks the transient on-page status indicator
	IndicatorClass = "pv-indicator"
)

// Outcome is the result of masking one text leaf. NewLeaves lists the plain
// text fragments that replaced the unmatched stretches of the original leaf,
// so callers can mark them processed instead of revisiting them.
type Outcome struct {
	Masked    bool
	Record    *Record
	Findings  []Finding
	NewLeaves []*html.Node
}

// Finding counts the matches of one category within a leaf
type Finding struct {
	Category patterns.CategoryID `json:"category"`
	Count    int                 `json:"count"`
}

// Record retains what is needed to restore one masked leaf exactly. The
// parent pointer is a lookup reference only; the tree owns its nodes.
type Record struct {
	Parent   *html.Node
	Original string
	Spans    []*html.Node
}

// Engine applies pattern matches to text leaves and owns the inverse
// operation. One engine serves one document.
type Engine struct {
	doc     *dom.Document
	logger  *logger.Logger
	records []*Record
}

// NewEngine creates a masking engine bound to a document
func NewEngine(doc *dom.Document, log *logger.Logger) *Engine {
	return &Engine{doc: doc, logger: log}
}

// IsArtifact reports whether an element is the engine's own output. Used by
// the scanner's exclusion predicate so masked spans are never re-scanned.
func IsArtifact(n *html.Node) bool {
	if isPlaceholder(n) {
		return true
	}
	if n.Type != html.ElementNode {
		return false
	}
	class, _ := dom.GetAttr(n, "class")
	return hasClass(class, IndicatorClass)
}

// isPlaceholder matches masked spans only, not the status indicator
func isPlaceholder(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	if _, ok := dom.GetAttr(n, OriginalAttr); ok {
		return true
	}
	class, _ := dom.GetAttr(n, "class")
	return hasClass(class, MaskClass)
}

type span struct {
	start, end int
	category   patterns.CategoryID
}

// MaskLeaf runs every enabled rule against the leaf's text and, if anything
// matched, replaces the text node with a fragment where each matched span
// became a placeholder element. The replacement is one atomic document
// operation. A leaf that was detached before the edit is skipped.
func (e *Engine) MaskLeaf(leaf *html.Node, reg *patterns.Registry, style settings.MaskingStyle, intensity int) Outcome {
	if leaf == nil || leaf.Type != html.TextNode || reg.Empty() {
		return Outcome{}
	}
	if !e.doc.Attached(leaf) {
		return Outcome{}
	}

	text := e.doc.NodeText(leaf)
	spans, findings := collectSpans(text, reg)
	if len(spans) == 0 {
		return Outcome{}
	}

	class := patterns.DisplayClass(style, intensity)
	fragment := make([]*html.Node, 0, len(spans)*2+1)
	cursor := 0
	placeholders := make([]*html.Node, 0, len(spans))
	var newLeaves []*html.Node
	for _, sp := range spans {
		if sp.start > cursor {
			tn := textNode(text[cursor:sp.start])
			fragment = append(fragment, tn)
			newLeaves = append(newLeaves, tn)
		}
		ph := placeholder(text[sp.start:sp.end], sp.category, class)
		fragment = append(fragment, ph)
		placeholders = append(placeholders, ph)
		cursor = sp.end
	}
	if cursor < len(text) {
		tn := textNode(text[cursor:])
		fragment = append(fragment, tn)
		newLeaves = append(newLeaves, tn)
	}

	parent := e.doc.ParentOf(leaf)
	if err := e.doc.ReplaceWithFragment(leaf, fragment, true); err != nil {
		// The leaf vanished between the walk and the edit; skip, no retry.
		e.logger.Debug("Leaf detached before masking", zap.Error(err))
		return Outcome{}
	}

	record := &Record{Parent: parent, Original: text, Spans: placeholders}
	e.records = append(e.records, record)

	e.logger.Debug("Leaf masked",
		zap.Int("spans", len(spans)),
		zap.Int("categories", len(findings)),
	)
	return Outcome{Masked: true, Record: record, Findings: findings, NewLeaves: newLeaves}
}

// collectSpans gathers non-overlapping matched spans across all rules in
// registration order. The first registered category wins a character span;
// later matches that intersect a claimed span are dropped.
func collectSpans(text string, reg *patterns.Registry) ([]span, []Finding) {
	var claimed []span
	counts := make(map[patterns.CategoryID]int)
	var order []patterns.CategoryID

	for _, rule := range reg.Rules() {
		for _, loc := range rule.Pattern.FindAllStringIndex(text, -1) {
			candidate := span{start: loc[0], end: loc[1], category: rule.Category}
			if overlapsAny(candidate, claimed) {
				continue
			}
			claimed = append(claimed, candidate)
			if counts[rule.Category] == 0 {
				order = append(order, rule.Category)
			}
			counts[rule.Category]++
		}
	}

	// Restore document order for fragment construction.
	sortSpans(claimed)

	findings := make([]Finding, 0, len(order))
	for _, cat := range order {
		findings = append(findings, Finding{Category: cat, Count: counts[cat]})
	}
	return claimed, findings
}

func overlapsAny(c span, claimed []span) bool {
	for _, s := range claimed {
		if c.start < s.end && s.start < c.end {
			return true
		}
	}
	return false
}

func sortSpans(spans []span) {
	// Spans are few per leaf; insertion sort keeps this allocation-free.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

// placeholder builds the masked span element. The visible content is a run
// of bullets matching the original rune length, the original text rides
// along base64-encoded, and the class carries style and intensity so a
// conforming renderer needs nothing else.
func placeholder(original string, category patterns.CategoryID, class string) *html.Node {
	el := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: 0,
	}
	dom.SetAttr(el, "class", class)
	dom.SetAttr(el, CategoryAttr, string(category))
	dom.SetAttr(el, OriginalAttr, base64.StdEncoding.EncodeToString([]byte(original)))
	el.AppendChild(textNode(strings.Repeat("•", len([]rune(original)))))
	return el
}

// UnmaskAll restores every placeholder in the document. A placeholder whose
// stored original fails to decode keeps its visible text and only loses the
// presentation classes. Never panics; the tree is always left renderable.
func (e *Engine) UnmaskAll() int {
	restored := 0
	for _, el := range e.findPlaceholders() {
		if e.unmaskElement(el) {
			restored++
		}
	}
	e.records = nil
	return restored
}

// Restyle re-renders existing placeholders in place with a new display
// class. No rescan happens and stored originals are untouched.
func (e *Engine) Restyle(style settings.MaskingStyle, intensity int) int {
	class := patterns.DisplayClass(style, intensity)
	updated := 0
	for _, el := range e.findPlaceholders() {
		e.doc.SetNodeAttr(el, "class", class)
		updated++
	}
	return updated
}

// RecordCount returns the number of live mask records
func (e *Engine) RecordCount() int {
	return len(e.records)
}

// PruneDetached drops records whose parent element left the document
func (e *Engine) PruneDetached() {
	kept := e.records[:0]
	for _, r := range e.records {
		if r.Parent != nil && e.doc.Attached(r.Parent) {
			kept = append(kept, r)
		}
	}
	e.records = kept
}

func (e *Engine) findPlaceholders() []*html.Node {
	return e.doc.CollectElements(isPlaceholder)
}

// unmaskElement replaces one placeholder with its decoded original text.
// Returns false when only the class-stripping fallback was possible.
func (e *Engine) unmaskElement(el *html.Node) bool {
	encoded, ok := e.doc.NodeAttr(el, OriginalAttr)
	if ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err == nil {
			if replaceErr := e.doc.ReplaceWithFragment(el, []*html.Node{textNode(string(decoded))}, true); replaceErr == nil {
				return true
			}
			return false
		}
		e.logger.Warn("Stored original failed to decode; stripping presentation only",
			zap.Error(err),
		)
	}

	// Fallback: corrupted or foreign element. Keep the visible text verbatim
	// and remove only the masking presentation.
	class, _ := e.doc.NodeAttr(el, "class")
	e.doc.SetNodeAttr(el, "class", stripMaskClasses(class))
	e.doc.RemoveNodeAttr(el, OriginalAttr)
	e.doc.RemoveNodeAttr(el, CategoryAttr)
	return false
}

func hasClass(classAttr, class string) bool {
	for _, c := range strings.Fields(classAttr) {
		if c == class {
			return true
		}
	}
	return false
}

func stripMaskClasses(classAttr string) string {
	var kept []string
	for _, c := range strings.Fields(classAttr) {
		if c == MaskClass || strings.HasPrefix(c, "pv-blur-") || strings.HasPrefix(c, "pv-pixelate-") || strings.HasPrefix(c, "pv-blackout-") {
			continue
		}
		kept = append(kept, c)
	}
	return strings.Join(kept, " ")
}
