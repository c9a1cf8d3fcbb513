package patterns

import (
	"fmt"
	"regexp"

	"github.com/pageveil/pageveil/internal/settings"
)

// CategoryID identifies a detector category
type CategoryID string

const (
	CategoryEmail      CategoryID = "email"
	CategoryPhone      CategoryID = "phone"
	CategorySSN        CategoryID = "ssn"
	CategoryCreditCard CategoryID = "credit_card"
)

// Built-in detection expressions. Order is the registration order, which is
// also the precedence order when two categories claim the same span.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ccPattern    = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)
)

// Rule is one compiled detector category
type Rule struct {
	Category CategoryID
	Pattern  *regexp.Regexp
	Custom   bool
}

// Diagnostic reports a custom pattern that was dropped during derivation
type Diagnostic struct {
	PatternID   string
	PatternName string
	Err         error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("custom pattern %q dropped: %v", d.PatternName, d.Err)
}

// Registry maps enabled categories to their rules, in registration order.
// A Registry is immutable once derived; concurrent settings updates produce
// new registries instead of mutating this one.
type Registry struct {
	rules       []Rule
	diagnostics []Diagnostic
}

// Derive builds a registry from settings. Built-in categories come first in
// declaration order, then enabled custom patterns in creation order. A custom
// pattern whose source does not compile is dropped with a diagnostic.
func Derive(s settings.Settings) *Registry {
	r := &Registry{}

	sp := s.SensitivePatterns
	if sp.Email {
		r.rules = append(r.rules, Rule{Category: CategoryEmail, Pattern: emailPattern})
	}
	if sp.Phone {
		r.rules = append(r.rules, Rule{Category: CategoryPhone, Pattern: phonePattern})
	}
	if sp.SSN {
		r.rules = append(r.rules, Rule{Category: CategorySSN, Pattern: ssnPattern})
	}
	if sp.CreditCard {
		r.rules = append(r.rules, Rule{Category: CategoryCreditCard, Pattern: ccPattern})
	}

	for _, cp := range sp.CustomPatterns {
		if !cp.Enabled {
			continue
		}
		compiled, err := regexp.Compile(cp.Pattern)
		if err != nil {
			r.diagnostics = append(r.diagnostics, Diagnostic{
				PatternID:   cp.ID,
				PatternName: cp.Name,
				Err:         err,
			})
			continue
		}
		r.rules = append(r.rules, Rule{
			Category: CategoryID("custom:" + cp.ID),
			Pattern:  compiled,
			Custom:   true,
		})
	}

	return r
}

// Rules returns the enabled rules in registration order. The slice is a
// copy, so callers cannot disturb the registry.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Diagnostics returns the custom patterns dropped during derivation
func (r *Registry) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, len(r.diagnostics))
	copy(out, r.diagnostics)
	return out
}

// Empty reports whether no category is enabled
func (r *Registry) Empty() bool {
	return len(r.rules) == 0
}

// DisplayClass returns the presentation class for masked spans under the
// given style and intensity. Intensity is clamped to [1, 10].
func DisplayClass(style settings.MaskingStyle, intensity int) string {
	if intensity < 1 {
		intensity = 1
	}
	if intensity > 10 {
		intensity = 10
	}
	switch style {
	case settings.StyleBlur, settings.StylePixelate, settings.StyleBlackout:
	default:
		style = settings.StyleBlur
	}
	return fmt.Sprintf("pv-mask pv-%s-%d", style, intensity)
}
