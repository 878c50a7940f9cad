package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// maxJSONBody bounds request bodies decoded as JSON
const maxJSONBody = 64 << 10

// Global validator instance (reused across all handlers)
var validate = validator.New()

// ValidateRequest validates a request struct using go-playground/validator
// and returns one message per failing field.
func ValidateRequest(req any) []string {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	messages := make([]string, 0, len(ve))
	for _, fe := range ve {
		messages = append(messages, fmt.Sprintf("%s %s", fieldName(fe), formatValidationError(fe)))
	}
	return messages
}

// fieldName reports the JSON name of the field when the struct declares one.
func fieldName(fe validator.FieldError) string {
	if name := jsonNames[fe.StructField()]; name != "" {
		return name
	}
	return fe.Field()
}

var jsonNames = map[string]string{
	"CurrentPassword": "current_password",
	"NewPassword":     "new_password",
	"Username":        "username",
	"Password":        "password",
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have a minimum of %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "nefield":
		return "must differ from the current value"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}
