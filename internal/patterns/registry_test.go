package patterns

import (
	"strings"
	"testing"

	"github.com/pageveil/pageveil/internal/settings"
)

func allBuiltins() settings.Settings {
	var s settings.Settings
	s.SensitivePatterns.Email = true
	s.SensitivePatterns.Phone = true
	s.SensitivePatterns.SSN = true
	s.SensitivePatterns.CreditCard = true
	return s
}

// TestDerive tests registry derivation from settings
func TestDerive(t *testing.T) {
	t.Run("AllBuiltins", func(t *testing.T) {
		reg := Derive(allBuiltins())
		if len(reg.Rules()) != 4 {
			t.Fatalf("Expected 4 rules, got %d", len(reg.Rules()))
		}
		order := []CategoryID{CategoryEmail, CategoryPhone, CategorySSN, CategoryCreditCard}
		for i, rule := range reg.Rules() {
			if rule.Category != order[i] {
				t.Errorf("Rule %d: expected %s, got %s", i, order[i], rule.Category)
			}
		}
	})

	t.Run("SubsetOnly", func(t *testing.T) {
		var s settings.Settings
		s.SensitivePatterns.Email = true
		reg := Derive(s)
		if len(reg.Rules()) != 1 {
			t.Fatalf("Expected 1 rule, got %d", len(reg.Rules()))
		}
		if reg.Rules()[0].Category != CategoryEmail {
			t.Errorf("Expected email rule, got %s", reg.Rules()[0].Category)
		}
	})

	t.Run("NothingEnabled", func(t *testing.T) {
		reg := Derive(settings.Settings{})
		if !reg.Empty() {
			t.Error("Registry should be empty with no categories enabled")
		}
	})

	t.Run("CustomPatternCompiled", func(t *testing.T) {
		s := settings.Settings{}
		s.SensitivePatterns.CustomPatterns = []settings.CustomPattern{
			{ID: "abc", Name: "internal-id", Pattern: `INT-\d{6}`, Enabled: true},
		}
		reg := Derive(s)
		if len(reg.Rules()) != 1 {
			t.Fatalf("Expected 1 rule, got %d", len(reg.Rules()))
		}
		rule := reg.Rules()[0]
		if !rule.Custom {
			t.Error("Rule should be marked custom")
		}
		if !rule.Pattern.MatchString("INT-123456") {
			t.Error("Custom pattern should match its target text")
		}
	})

	t.Run("DisabledCustomPatternSkipped", func(t *testing.T) {
		s := settings.Settings{}
		s.SensitivePatterns.CustomPatterns = []settings.CustomPattern{
			{ID: "abc", Name: "off", Pattern: `x+`, Enabled: false},
		}
		if reg := Derive(s); !reg.Empty() {
			t.Error("Disabled custom pattern should not produce a rule")
		}
	})

	t.Run("InvalidCustomPatternDropped", func(t *testing.T) {
		s := settings.Settings{}
		s.SensitivePatterns.Email = true
		s.SensitivePatterns.CustomPatterns = []settings.CustomPattern{
			{ID: "bad", Name: "broken", Pattern: `([`, Enabled: true},
		}
		reg := Derive(s)
		if len(reg.Rules()) != 1 {
			t.Fatalf("Invalid pattern should be dropped, got %d rules", len(reg.Rules()))
		}
		if len(reg.Diagnostics()) != 1 {
			t.Fatalf("Expected 1 diagnostic, got %d", len(reg.Diagnostics()))
		}
		if reg.Diagnostics()[0].PatternName != "broken" {
			t.Errorf("Diagnostic should name the dropped pattern, got %q", reg.Diagnostics()[0].PatternName)
		}
	})
}

// TestRulesReturnCopy tests that a derived registry cannot be disturbed
// through its accessors
func TestRulesReturnCopy(t *testing.T) {
	reg := Derive(allBuiltins())
	leaked := reg.Rules()
	leaked[0] = Rule{Category: "tampered"}
	if reg.Rules()[0].Category != CategoryEmail {
		t.Error("Mutating the returned slice must not affect the registry")
	}
}

// TestBuiltinExpressions tests the built-in detection expressions
func TestBuiltinExpressions(t *testing.T) {
	cases := []struct {
		name     string
		category CategoryID
		text     string
		want     string
	}{
		{"Email", CategoryEmail, "Contact me at a@b.com today", "a@b.com"},
		{"Phone", CategoryPhone, "call 555-123-4567 now", "555-123-4567"},
		{"PhoneWithCountryCode", CategoryPhone, "dial +1 (415) 555-0134", "+1 (415) 555-0134"},
		{"SSN", CategorySSN, "ssn: 123-45-6789.", "123-45-6789"},
		{"CreditCard", CategoryCreditCard, "card 4111 1111 1111 1111 on file", "4111 1111 1111 1111"},
	}

	reg := Derive(allBuiltins())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var rule *Rule
			for i := range reg.Rules() {
				if reg.Rules()[i].Category == tc.category {
					rule = &reg.Rules()[i]
					break
				}
			}
			if rule == nil {
				t.Fatalf("No rule for category %s", tc.category)
			}
			got := rule.Pattern.FindString(tc.text)
			if got != tc.want {
				t.Errorf("Expected match %q, got %q", tc.want, got)
			}
		})
	}

	t.Run("PhoneDoesNotClaimCardInterior", func(t *testing.T) {
		var phone *Rule
		for i := range reg.Rules() {
			if reg.Rules()[i].Category == CategoryPhone {
				phone = &reg.Rules()[i]
			}
		}
		if got := phone.Pattern.FindString("4111111111111111"); got != "" {
			t.Errorf("Phone rule should not match inside a 16-digit run, got %q", got)
		}
	})
}

// TestDisplayClass tests presentation class construction and clamping
func TestDisplayClass(t *testing.T) {
	t.Run("Basic", func(t *testing.T) {
		got := DisplayClass(settings.StyleBlur, 5)
		if got != "pv-mask pv-blur-5" {
			t.Errorf("Unexpected class: %q", got)
		}
	})

	t.Run("IntensityClampedLow", func(t *testing.T) {
		if got := DisplayClass(settings.StylePixelate, 0); !strings.HasSuffix(got, "-1") {
			t.Errorf("Intensity should clamp to 1, got %q", got)
		}
	})

	t.Run("IntensityClampedHigh", func(t *testing.T) {
		if got := DisplayClass(settings.StyleBlackout, 99); !strings.HasSuffix(got, "-10") {
			t.Errorf("Intensity should clamp to 10, got %q", got)
		}
	})

	t.Run("UnknownStyleFallsBackToBlur", func(t *testing.T) {
		if got := DisplayClass("sparkle", 3); got != "pv-mask pv-blur-3" {
			t.Errorf("Unknown style should fall back to blur, got %q", got)
		}
	})
}
