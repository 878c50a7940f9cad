package models

// ValidationVerdict is the outcome of a content or credential check.
// Violations keep the order in which rules were evaluated.
type ValidationVerdict struct {
	IsValid    bool     `json:"is_valid"`
	Violations []string `json:"violations,omitempty"`
}

// Valid returns a passing verdict.
func Valid() ValidationVerdict {
	return ValidationVerdict{IsValid: true}
}

// Invalid returns a failing verdict with the given violations.
func Invalid(violations ...string) ValidationVerdict {
	return ValidationVerdict{IsValid: false, Violations: violations}
}

// VerdictOf turns accumulated violations into a verdict.
func VerdictOf(violations []string) ValidationVerdict {
	if len(violations) == 0 {
		return Valid()
	}
	return Invalid(violations...)
}
