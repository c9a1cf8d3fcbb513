package settings

import "time"

// MaskingStyle is the visual treatment applied to masked spans
type MaskingStyle string

const (
	StyleBlur     MaskingStyle = "blur"
	StylePixelate MaskingStyle = "pixelate"
	StyleBlackout MaskingStyle = "blackout"
)

// Settings is the full user-facing configuration consumed by the masking core
type Settings struct {
	MaskingEnabled    bool              `json:"maskingEnabled"`
	MaskingStyle      MaskingStyle      `json:"maskingStyle"`
	MaskingIntensity  int               `json:"maskingIntensity"` // 1..10
	SensitivePatterns SensitivePatterns `json:"sensitivePatterns"`
}

// SensitivePatterns selects which detector categories are active
type SensitivePatterns struct {
	Email          bool            `json:"email"`
	Phone          bool            `json:"phone"`
	SSN            bool            `json:"ssn"`
	CreditCard     bool            `json:"creditCard"`
	CustomPatterns []CustomPattern `json:"customPatterns"`
}

// CustomPattern is a user-defined detector category
type CustomPattern struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Pattern     string    `json:"pattern"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers can never alias the store's state
func (s Settings) Clone() Settings {
	out := s
	out.SensitivePatterns.CustomPatterns = make([]CustomPattern, len(s.SensitivePatterns.CustomPatterns))
	copy(out.SensitivePatterns.CustomPatterns, s.SensitivePatterns.CustomPatterns)
	return out
}

// CategoryFingerprint returns a stable identifier for the enabled category
// set. Two settings values with equal fingerprints match the same text, so a
// fingerprint change is what forces a full rescan.
func (s Settings) CategoryFingerprint() string {
	fp := ""
	if s.SensitivePatterns.Email {
		fp += "email;"
	}
	if s.SensitivePatterns.Phone {
		fp += "phone;"
	}
	if s.SensitivePatterns.SSN {
		fp += "ssn;"
	}
	if s.SensitivePatterns.CreditCard {
		fp += "creditCard;"
	}
	for _, cp := range s.SensitivePatterns.CustomPatterns {
		if cp.Enabled {
			fp += cp.ID + "=" + cp.Pattern + ";"
		}
	}
	return fp
}
