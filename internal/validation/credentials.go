package validation

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"unicode"

	"github.com/BradenHooton/perimeter/internal/models"
	pkgauth "github.com/BradenHooton/perimeter/pkg/auth"
)

// DefaultSymbols is the set of characters that satisfy the symbol rule.
const DefaultSymbols = "!@#$%^&*()-_=+[]{};:'\",.<>/?\\|`~"

var commonPasswords = map[string]bool{
	"password":     true,
	"password1":    true,
	"password123":  true,
	"password123!": true,
	"passw0rd":     true,
	"p@ssw0rd":     true,
	"p@ssword1":    true,
	"12345678":     true,
	"123456789":    true,
	"1234567890":   true,
	"qwerty":       true,
	"qwerty123":    true,
	"qwertyuiop":   true,
	"abc123":       true,
	"abcd1234":     true,
	"admin":        true,
	"admin123":     true,
	"letmein":      true,
	"letmein1":     true,
	"welcome":      true,
	"welcome1":     true,
	"welcome123":   true,
	"monkey":       true,
	"dragon":       true,
	"master":       true,
	"iloveyou":     true,
	"sunshine":     true,
	"princess":     true,
	"football":     true,
	"baseball":     true,
	"starwars":     true,
	"trustno1":     true,
	"superman":     true,
	"changeme":     true,
	"secret123":    true,
}

var reservedUsernames = map[string]bool{
	"admin":         true,
	"administrator": true,
	"root":          true,
	"system":        true,
	"sysadmin":      true,
	"superuser":     true,
	"support":       true,
	"security":      true,
	"operator":      true,
	"service":       true,
	"daemon":        true,
	"null":          true,
	"guest":         true,
	"anonymous":     true,
	"api":           true,
}

// PasswordRules configures password validation.
type PasswordRules struct {
	MinLength        int
	MaxLength        int
	RequireUpper     bool
	RequireLower     bool
	RequireDigit     bool
	RequireSymbol    bool
	AllowedSymbols   string
	MaxRepeatedChars int // longest allowed run of one character
}

// UsernameRules configures username validation.
type UsernameRules struct {
	MinLength int
	MaxLength int
	Reserved  []string // extra reserved names on top of the built-in list
}

// DefaultPasswordRules returns the rules used when none are configured.
func DefaultPasswordRules() PasswordRules {
	return PasswordRules{
		MinLength:        8,
		MaxLength:        pkgauth.MaxPasswordLen,
		RequireUpper:     true,
		RequireLower:     true,
		RequireDigit:     true,
		RequireSymbol:    true,
		AllowedSymbols:   DefaultSymbols,
		MaxRepeatedChars: 2,
	}
}

// CredentialPolicy validates passwords and usernames.
type CredentialPolicy struct {
	password PasswordRules
	username UsernameRules
	reserved map[string]bool
}

// NewCredentialPolicy builds a policy. Zero-valued limits fall back to the
// defaults.
func NewCredentialPolicy(pw PasswordRules, un UsernameRules) *CredentialPolicy {
	def := DefaultPasswordRules()
	if pw.MinLength <= 0 {
		pw.MinLength = def.MinLength
	}
	if pw.MaxLength <= 0 || pw.MaxLength > pkgauth.MaxPasswordLen {
		pw.MaxLength = def.MaxLength
	}
	if pw.AllowedSymbols == "" {
		pw.AllowedSymbols = def.AllowedSymbols
	}
	if pw.MaxRepeatedChars <= 0 {
		pw.MaxRepeatedChars = def.MaxRepeatedChars
	}
	if un.MinLength <= 0 {
		un.MinLength = 3
	}
	if un.MaxLength <= 0 {
		un.MaxLength = 32
	}

	reserved := make(map[string]bool, len(reservedUsernames)+len(un.Reserved))
	for name := range reservedUsernames {
		reserved[name] = true
	}
	for _, name := range un.Reserved {
		reserved[strings.ToLower(strings.TrimSpace(name))] = true
	}

	return &CredentialPolicy{password: pw, username: un, reserved: reserved}
}

// ValidatePassword checks password against every rule and reports all
// failures. History entries may be bcrypt hashes or raw previous values.
func (p *CredentialPolicy) ValidatePassword(password string, history []string) models.ValidationVerdict {
	var violations []string
	rules := p.password

	if n := len([]rune(password)); n < rules.MinLength {
		violations = append(violations, fmt.Sprintf("must be at least %d characters", rules.MinLength))
	}
	if len(password) > rules.MaxLength {
		violations = append(violations, fmt.Sprintf("must be at most %d bytes", rules.MaxLength))
	}

	var hasUpper, hasLower, hasDigit, hasSymbol, hasOther bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(rules.AllowedSymbols, r):
			hasSymbol = true
		default:
			hasOther = true
		}
	}

	if rules.RequireUpper && !hasUpper {
		violations = append(violations, "must contain at least one uppercase letter")
	}
	if rules.RequireLower && !hasLower {
		violations = append(violations, "must contain at least one lowercase letter")
	}
	if rules.RequireDigit && !hasDigit {
		violations = append(violations, "must contain at least one digit")
	}
	if rules.RequireSymbol && !hasSymbol {
		violations = append(violations, fmt.Sprintf("must contain at least one symbol from %s", rules.AllowedSymbols))
	}
	if hasOther {
		violations = append(violations, "contains characters outside the allowed set")
	}

	if commonPasswords[strings.ToLower(password)] {
		violations = append(violations, "is too common")
	}
	if longestRun(password) > rules.MaxRepeatedChars {
		violations = append(violations, fmt.Sprintf("must not repeat a character more than %d times in a row", rules.MaxRepeatedChars))
	}
	if inHistory(password, history) {
		violations = append(violations, "must not match a previously used password")
	}

	return models.VerdictOf(violations)
}

// ValidateUsername checks username format.
func (p *CredentialPolicy) ValidateUsername(username string) models.ValidationVerdict {
	var violations []string
	rules := p.username

	if n := len(username); n < rules.MinLength || n > rules.MaxLength {
		violations = append(violations, fmt.Sprintf("must be between %d and %d characters", rules.MinLength, rules.MaxLength))
	}

	allDigits := username != ""
	for _, r := range username {
		if !isUsernameRune(r) {
			violations = append(violations, "may only contain letters, digits, '.', '_' and '-'")
			allDigits = false
			break
		}
		if r < '0' || r > '9' {
			allDigits = false
		}
	}
	if allDigits {
		violations = append(violations, "must not consist only of digits")
	}

	if p.reserved[strings.ToLower(username)] {
		violations = append(violations, "is reserved")
	}

	return models.VerdictOf(violations)
}

func isUsernameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '_' || r == '-'
}

func longestRun(s string) int {
	longest, run := 0, 0
	var prev rune
	for i, r := range []rune(s) {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > longest {
			longest = run
		}
	}
	return longest
}

// inHistory walks the whole history regardless of an early match.
func inHistory(password string, history []string) bool {
	found := false
	for _, entry := range history {
		var match bool
		if pkgauth.IsHash(entry) {
			match = pkgauth.ComparePassword(entry, password) == nil
		} else {
			match = subtle.ConstantTimeCompare([]byte(entry), []byte(password)) == 1
		}
		if match {
			found = true
		}
	}
	return found
}
