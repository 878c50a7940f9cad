package validation

import (
	"fmt"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/gabriel-vasile/mimetype"
)

const (
	ViolationSignatureMismatch = "signature does not match declared type"
	ViolationActiveContent     = "file contains active content"
)

// DefaultAllowedTypes maps each accepted extension to the content types a
// client may declare for it.
var DefaultAllowedTypes = map[string][]string{
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
	".pdf":  {"application/pdf"},
	".txt":  {"text/plain"},
	".csv":  {"text/csv", "text/plain"},
	".json": {"application/json"},
	".svg":  {"image/svg+xml"},
	".html": {"text/html"},
}

// ContentConfig configures a ContentValidator.
type ContentConfig struct {
	MaxSize int64
	// AllowedTypes maps lower-case extensions (with dot) to declared types.
	AllowedTypes map[string][]string
}

// ContentValidator checks uploaded bytes against their declared name and
// type. It holds no mutable state and is safe for concurrent use.
type ContentValidator struct {
	maxSize int64
	allowed map[string][]string
}

// NewContentValidator builds a validator. A nil type map selects
// DefaultAllowedTypes.
func NewContentValidator(cfg ContentConfig) *ContentValidator {
	allowed := cfg.AllowedTypes
	if len(allowed) == 0 {
		allowed = DefaultAllowedTypes
	}
	norm := make(map[string][]string, len(allowed))
	for ext, types := range allowed {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		for _, t := range types {
			norm[ext] = append(norm[ext], strings.ToLower(t))
		}
	}
	return &ContentValidator{maxSize: cfg.MaxSize, allowed: norm}
}

// Validate runs size, extension, signature and active-content checks in that
// order. The first failing category ends the run; all violations within it
// are reported.
func (v *ContentValidator) Validate(data []byte, filename, contentType string) (verdict models.ValidationVerdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = models.Invalid(fmt.Sprintf("file could not be inspected: %v", r))
		}
	}()

	checks := []func([]byte, string, string) []string{
		v.checkSize,
		v.checkType,
		v.checkSignature,
		v.checkActiveContent,
	}
	for _, check := range checks {
		if violations := check(data, filename, contentType); len(violations) > 0 {
			return models.Invalid(violations...)
		}
	}
	return models.Valid()
}

func (v *ContentValidator) checkSize(data []byte, _, _ string) []string {
	var violations []string
	if len(data) == 0 {
		violations = append(violations, "file is empty")
	}
	if v.maxSize > 0 && int64(len(data)) > v.maxSize {
		violations = append(violations, fmt.Sprintf("file exceeds maximum size of %d bytes", v.maxSize))
	}
	return violations
}

func (v *ContentValidator) checkType(_ []byte, filename, contentType string) []string {
	var violations []string

	name := filepath.Base(filename)
	if name == "" || name == "." || name == "/" || !utf8.ValidString(name) || strings.ContainsRune(name, 0) {
		violations = append(violations, "filename is invalid")
	}

	ext := strings.ToLower(filepath.Ext(name))
	allowedTypes, extOK := v.allowed[ext]
	if !extOK {
		violations = append(violations, fmt.Sprintf("extension %q is not allowed", ext))
	}

	declared, err := parseMediaType(contentType)
	if err != nil {
		violations = append(violations, "declared content type is malformed")
		return violations
	}

	if extOK && !contains(allowedTypes, declared) {
		violations = append(violations, fmt.Sprintf("content type %q is not allowed for %s files", declared, ext))
	}
	return violations
}

func (v *ContentValidator) checkSignature(data []byte, _, contentType string) []string {
	declared, _ := parseMediaType(contentType)
	detected := mimetype.Detect(data)

	if isTextual(declared) {
		// plain text formats have no magic bytes; require the content to be
		// text and not some other recognised binary format
		for m := detected; m != nil; m = m.Parent() {
			if m.Is(declared) || m.Is("text/plain") {
				return nil
			}
		}
		return []string{ViolationSignatureMismatch}
	}

	if !detected.Is(declared) {
		return []string{ViolationSignatureMismatch}
	}
	return nil
}

var (
	markupPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"script tag", regexp.MustCompile(`(?i)<\s*script\b`)},
		{"javascript URI", regexp.MustCompile(`(?i)javascript\s*:`)},
		{"vbscript URI", regexp.MustCompile(`(?i)vbscript\s*:`)},
		{"inline event handler", regexp.MustCompile(`(?i)\son[a-z]+\s*=`)},
		{"embedded frame", regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`)},
		{"html data URI", regexp.MustCompile(`(?i)data\s*:\s*text/html`)},
	}
	pdfPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"PDF JavaScript action", regexp.MustCompile(`/(JavaScript|JS)\b`)},
		{"PDF launch action", regexp.MustCompile(`/Launch\b`)},
		{"PDF embedded file", regexp.MustCompile(`/EmbeddedFile\b`)},
	}
)

func (v *ContentValidator) checkActiveContent(data []byte, _, contentType string) []string {
	declared, _ := parseMediaType(contentType)

	patterns := markupPatterns
	switch {
	case declared == "application/pdf":
		patterns = pdfPatterns
	case isMarkup(declared):
	default:
		return nil
	}

	var violations []string
	for _, p := range patterns {
		if p.re.Match(data) {
			violations = append(violations, fmt.Sprintf("%s: %s", ViolationActiveContent, p.name))
		}
	}
	return violations
}

func parseMediaType(contentType string) (string, error) {
	if strings.TrimSpace(contentType) == "" {
		return "", fmt.Errorf("empty content type")
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	return strings.ToLower(mt), nil
}

func isTextual(mt string) bool {
	return strings.HasPrefix(mt, "text/") || mt == "application/json" || mt == "image/svg+xml"
}

func isMarkup(mt string) bool {
	switch mt {
	case "text/html", "image/svg+xml", "application/xhtml+xml", "text/xml", "application/xml":
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
