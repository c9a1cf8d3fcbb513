package mask

import (
	"strings"
	"testing"

	"github.com/pageveil/pageveil/internal/dom"
	"github.com/pageveil/pageveil/internal/logger"
	"github.com/pageveil/pageveil/internal/patterns"
	"github.com/pageveil/pageveil/internal/settings"

	"golang.org/x/net/html"
)

func enabledCategories(cats ...string) settings.Settings {
	var s settings.Settings
	for _, c := range cats {
		switch c {
		case "email":
			s.SensitivePatterns.Email = true
		case "phone":
			s.SensitivePatterns.Phone = true
		case "ssn":
			s.SensitivePatterns.SSN = true
		case "creditCard":
			s.SensitivePatterns.CreditCard = true
		}
	}
	return s
}

func mustParse(t *testing.T, src string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(src)
	if err != nil {
		t.Fatalf("Failed to parse document: %v", err)
	}
	return doc
}

// maskAll walks the whole body and masks every eligible leaf
func maskAll(doc *dom.Document, engine *Engine, reg *patterns.Registry) []Finding {
	walker := doc.Walk(doc.Body(), func(n *html.Node) bool { return IsArtifact(n) }, dom.Budget{MinTextLength: 1})
	var findings []Finding
	for {
		leaf, ok := walker.Next()
		if !ok {
			break
		}
		outcome := engine.MaskLeaf(leaf, reg, settings.StyleBlur, 5)
		findings = append(findings, outcome.Findings...)
	}
	return findings
}

// TestMaskUnmaskRoundTrip tests that unmask is the exact inverse of mask
func TestMaskUnmaskRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body string
		cats []string
	}{
		{"SingleEmail", "<p>Contact me at a@b.com please</p>", []string{"email"}},
		{"MultipleCategories", "<p>a@b.com and 555-123-4567 and 123-45-6789</p>", []string{"email", "phone", "ssn"}},
		{"CreditCard", "<p>card: 4111 1111 1111 1111</p>", []string{"creditCard"}},
		{"UnicodeAround", "<p>écrivez à a@b.com, merci</p>", []string{"email"}},
		{"NoMatches", "<p>nothing sensitive here</p>", []string{"email", "phone"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := mustParse(t, "<html><body>"+tc.body+"</body></html>")
			before := doc.VisibleText()

			engine := NewEngine(doc, logger.Nop())
			reg := patterns.Derive(enabledCategories(tc.cats...))
			maskAll(doc, engine, reg)

			engine.UnmaskAll()
			after := doc.VisibleText()
			if after != before {
				t.Errorf("Round trip not byte-identical:\nbefore: %q\nafter:  %q", before, after)
			}
		})
	}
}

// TestMaskIdempotence tests that a second mask pass is a no-op
func TestMaskIdempotence(t *testing.T) {
	doc := mustParse(t, "<html><body><p>mail a@b.com or call 555-123-4567</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email", "phone"))

	maskAll(doc, engine, reg)
	first, err := doc.RenderString()
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	maskAll(doc, engine, reg)
	second, err := doc.RenderString()
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}

	if first != second {
		t.Errorf("Second mask pass changed the document:\nfirst:  %s\nsecond: %s", first, second)
	}
}

// TestEmailOnlyLeavesPhoneUnmasked tests selective category masking
func TestEmailOnlyLeavesPhoneUnmasked(t *testing.T) {
	doc := mustParse(t, "<html><body><p>Contact me at a@b.com or 555-123-4567</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email"))

	findings := maskAll(doc, engine, reg)

	if len(findings) != 1 {
		t.Fatalf("Expected exactly 1 finding, got %d", len(findings))
	}
	if findings[0].Category != patterns.CategoryEmail {
		t.Errorf("Expected email finding, got %s", findings[0].Category)
	}
	if findings[0].Count != 1 {
		t.Errorf("Expected 1 email match, got %d", findings[0].Count)
	}

	visible := doc.VisibleText()
	if strings.Contains(visible, "a@b.com") {
		t.Error("Email should be masked out of the visible text")
	}
	if !strings.Contains(visible, "555-123-4567") {
		t.Error("Phone text should be left unmasked")
	}

	rendered, _ := doc.RenderString()
	if n := strings.Count(rendered, OriginalAttr); n != 1 {
		t.Errorf("Expected exactly 1 placeholder, found %d", n)
	}
}

// TestOverlapFirstRegisteredWins tests span precedence across categories
func TestOverlapFirstRegisteredWins(t *testing.T) {
	// Both custom rules match "ID-12345"; the one registered first (earlier
	// creation order) must claim the span.
	s := settings.Settings{}
	s.SensitivePatterns.CustomPatterns = []settings.CustomPattern{
		{ID: "first", Name: "first", Pattern: `ID-\d+`, Enabled: true},
		{ID: "second", Name: "second", Pattern: `ID-\d{5}`, Enabled: true},
	}
	reg := patterns.Derive(s)

	doc := mustParse(t, "<html><body><p>ref ID-12345 end</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	findings := maskAll(doc, engine, reg)

	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d: %+v", len(findings), findings)
	}
	if findings[0].Category != patterns.CategoryID("custom:first") {
		t.Errorf("First registered category should win, got %s", findings[0].Category)
	}
}

// TestPlaceholderShape tests the presentation contract of masked spans
func TestPlaceholderShape(t *testing.T) {
	doc := mustParse(t, "<html><body><p>a@b.com</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email"))

	walker := doc.Walk(doc.Body(), nil, dom.Budget{MinTextLength: 1})
	leaf, ok := walker.Next()
	if !ok {
		t.Fatal("Expected an eligible leaf")
	}
	outcome := engine.MaskLeaf(leaf, reg, settings.StylePixelate, 7)
	if !outcome.Masked {
		t.Fatal("Leaf should have been masked")
	}

	span := outcome.Record.Spans[0]
	class, _ := dom.GetAttr(span, "class")
	if class != "pv-mask pv-pixelate-7" {
		t.Errorf("Unexpected display class: %q", class)
	}
	if cat, _ := dom.GetAttr(span, CategoryAttr); cat != "email" {
		t.Errorf("Unexpected category attribute: %q", cat)
	}
	if _, ok := dom.GetAttr(span, OriginalAttr); !ok {
		t.Error("Placeholder must carry the encoded original")
	}
	if text := dom.TextContent(span); text != strings.Repeat("•", len("a@b.com")) {
		t.Errorf("Placeholder text should be bullets of matching length, got %q", text)
	}
}

// TestRestyle tests in-place re-rendering without rescans
func TestRestyle(t *testing.T) {
	doc := mustParse(t, "<html><body><p>a@b.com and c@d.org</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email"))
	maskAll(doc, engine, reg)

	updated := engine.Restyle(settings.StyleBlackout, 9)
	if updated != 2 {
		t.Fatalf("Expected 2 placeholders restyled, got %d", updated)
	}

	rendered, _ := doc.RenderString()
	if !strings.Contains(rendered, "pv-blackout-9") {
		t.Error("New display class missing after restyle")
	}
	if strings.Contains(rendered, "pv-blur-") {
		t.Error("Old display class still present after restyle")
	}

	// Restyle must not disturb the stored originals
	engine.UnmaskAll()
	if !strings.Contains(doc.VisibleText(), "a@b.com and c@d.org") {
		t.Error("Round trip broken after restyle")
	}
}

// TestUnmaskDecodeFailureFallback tests the corrupted-placeholder path
func TestUnmaskDecodeFailureFallback(t *testing.T) {
	doc := mustParse(t, "<html><body><p>a@b.com</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email"))

	walker := doc.Walk(doc.Body(), nil, dom.Budget{MinTextLength: 1})
	leaf, _ := walker.Next()
	outcome := engine.MaskLeaf(leaf, reg, settings.StyleBlur, 5)

	// Corrupt the stored original
	span := outcome.Record.Spans[0]
	dom.SetAttr(span, OriginalAttr, "%%%not-base64%%%")

	bullets := dom.TextContent(span)
	engine.UnmaskAll()

	if !strings.Contains(doc.VisibleText(), bullets) {
		t.Error("Fallback should preserve the visible text verbatim")
	}
	class, _ := dom.GetAttr(span, "class")
	if strings.Contains(class, MaskClass) || strings.Contains(class, "pv-blur-") {
		t.Errorf("Fallback should strip presentation classes, got %q", class)
	}
}

// TestMaskDetachedLeafSkipped tests DomInconsistency recovery
func TestMaskDetachedLeafSkipped(t *testing.T) {
	doc := mustParse(t, "<html><body><p>a@b.com</p></body></html>")
	engine := NewEngine(doc, logger.Nop())
	reg := patterns.Derive(enabledCategories("email"))

	walker := doc.Walk(doc.Body(), nil, dom.Budget{MinTextLength: 1})
	leaf, _ := walker.Next()

	// Remove the paragraph before the engine gets to the leaf
	doc.RemoveNode(leaf.Parent)

	outcome := engine.MaskLeaf(leaf, reg, settings.StyleBlur, 5)
	if outcome.Masked {
		t.Error("Detached leaf must be skipped, not masked")
	}
	if engine.RecordCount() != 0 {
		t.Error("No record should exist for a skipped leaf")
	}
}
