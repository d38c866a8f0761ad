// Package validate checks free-text request parameters before they reach
// the stores or the reference-data upstream.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Limits for request parameters.
const (
	MaxCityLength       = 100
	MaxIdentifierLength = 128
)

var (
	cityPattern       = regexp.MustCompile(`^[\p{L}\p{M}0-9 '’\-\.,()]+$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-:.@]+$`)
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length in runes (0 = no minimum)
	MaxLength      int            // Maximum length in runes (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional pattern the whole string must match
	AllowEmpty     bool
	TrimSpace      bool
}

// String validates s against the constraints and returns it, trimmed when
// TrimSpace is set. Control characters and invalid UTF-8 are always rejected.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control character", ErrInvalidCharacters)
	}

	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// City validates an optional place name. Letters in any script, digits,
// spaces and the punctuation found in real place names are allowed.
func City(name string) (string, error) {
	return String(name, StringConstraints{
		MaxLength:      MaxCityLength,
		AllowedPattern: cityPattern,
		AllowEmpty:     true,
		TrimSpace:      true,
	})
}

// Identifier validates a required opaque id such as a requester or dish id.
func Identifier(id string) (string, error) {
	return String(id, StringConstraints{
		MinLength:      1,
		MaxLength:      MaxIdentifierLength,
		AllowedPattern: identifierPattern,
		TrimSpace:      true,
	})
}
