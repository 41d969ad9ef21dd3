package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Size limits (in bytes)
const (
	MaxJSONSize    = 1 * 1024 * 1024 // 1MB - maximum request body
	MaxExtraSize   = 64 * 1024       // 64KB - structured extra on a log entry
	MaxMessageSize = 16 * 1024       // 16KB - single log message
	MaxExtraDepth  = 10
)

// String length limits
const (
	MaxIDLength       = 128
	MaxTemplateLength = 64
)

// Regular expressions for validation
var (
	// KeyPartPattern allows what agents put in user, session and thread ids:
	// alphanumerics plus . _ - : @
	KeyPartPattern = regexp.MustCompile(`^[a-zA-Z0-9._:@-]+$`)
	// TemplatePattern allows alphanumeric, hyphens, underscores
	TemplatePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// JSONSizeValidator validates JSON size limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// ValidateSize checks if the data size is within limits
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	if size := len(data); size > v.maxSize {
		return fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", size, v.maxSize)
	}
	return nil
}

// ValidateJSONDepth checks if JSON nesting depth is within limits
func ValidateJSONDepth(data any, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data any, currentDepth int, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}

	return nil
}

// ValidateExtra bounds the structured payload attached to a log entry
func ValidateExtra(extra map[string]any) error {
	if len(extra) == 0 {
		return nil
	}
	if err := ValidateJSONDepth(extra, MaxExtraDepth); err != nil {
		return fmt.Errorf("extra: %w", err)
	}

	data, err := sonic.Marshal(extra)
	if err != nil {
		return fmt.Errorf("extra: %w", err)
	}
	if err := NewJSONSizeValidator(MaxExtraSize).ValidateSize(data); err != nil {
		return fmt.Errorf("extra: %w", err)
	}
	return nil
}

// ValidateMessage checks a log message
func ValidateMessage(msg string) error {
	if strings.TrimSpace(msg) == "" {
		return fmt.Errorf("message is required")
	}
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("message size %d bytes exceeds maximum %d bytes", len(msg), MaxMessageSize)
	}
	if !utf8.ValidString(msg) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil // Optional field, empty is OK
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Check for null bytes (security issue)
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateKeyPart validates one component of a session key
func ValidateKeyPart(id, fieldName string) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, true); err != nil {
		return err
	}
	if !KeyPartPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, dots, colons, @, hyphens, and underscores allowed)", fieldName)
	}
	return nil
}

// ValidateTemplate validates an optional sandbox template name
func ValidateTemplate(name string) error {
	if err := ValidateString(name, "template", 1, MaxTemplateLength, false); err != nil {
		return err
	}
	if name != "" && !TemplatePattern.MatchString(name) {
		return fmt.Errorf("template contains invalid characters (only alphanumeric, hyphens, and underscores allowed)")
	}
	return nil
}
