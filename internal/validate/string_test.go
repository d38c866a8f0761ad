package validate

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		constraints StringConstraints
		wantErr     error
		wantOutput  string
	}{
		{
			name:        "valid string within length constraints",
			input:       "  Hello World ",
			constraints: StringConstraints{MinLength: 5, MaxLength: 20, TrimSpace: true},
			wantOutput:  "Hello World",
		},
		{
			name:        "string too short",
			input:       "Hi",
			constraints: StringConstraints{MinLength: 5, MaxLength: 20},
			wantErr:     ErrStringTooShort,
		},
		{
			name:        "string too long",
			input:       strings.Repeat("a", 101),
			constraints: StringConstraints{MinLength: 1, MaxLength: 100},
			wantErr:     ErrStringTooLong,
		},
		{
			name:    "empty string not allowed",
			input:   "",
			wantErr: ErrEmpty,
		},
		{
			name:        "empty string allowed",
			input:       "   ",
			constraints: StringConstraints{AllowEmpty: true, TrimSpace: true},
			wantOutput:  "",
		},
		{
			name:        "length counts runes not bytes",
			input:       "日本語",
			constraints: StringConstraints{MaxLength: 3},
			wantOutput:  "日本語",
		},
		{
			name:        "pattern mismatch",
			input:       "abc!",
			constraints: StringConstraints{AllowedPattern: regexp.MustCompile(`^[a-z]+$`)},
			wantErr:     ErrInvalidCharacters,
		},
		{
			name:    "control character",
			input:   "abc\x00def",
			wantErr: ErrInvalidCharacters,
		},
		{
			name:    "invalid utf8",
			input:   "abc\xffdef",
			wantErr: ErrInvalidCharacters,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := String(tt.input, tt.constraints)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("String() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("String() unexpected error = %v", err)
			}
			if got != tt.wantOutput {
				t.Errorf("String() = %q, want %q", got, tt.wantOutput)
			}
		})
	}
}

func TestCity(t *testing.T) {
	valid := []string{"", "Berlin", "São Paulo", "Frankfurt am Main", "St. John's", "Washington, D.C.", "Zürich", "東京", "Nizhny Novgorod (Gorky)"}
	for _, name := range valid {
		if _, err := City(name); err != nil {
			t.Errorf("City(%q) error = %v", name, err)
		}
	}

	invalid := []string{"<script>", "Berlin; DROP", strings.Repeat("a", MaxCityLength+1), "Ber\nlin"}
	for _, name := range invalid {
		if _, err := City(name); err == nil {
			t.Errorf("City(%q) should fail", name)
		}
	}

	if got, _ := City("  Paris "); got != "Paris" {
		t.Errorf("City() = %q, want trimmed", got)
	}
}

func TestIdentifier(t *testing.T) {
	valid := []string{"u1", "550e8400-e29b-41d4-a716-446655440000", "acct:42", "someone@example.com", "a.b_c"}
	for _, id := range valid {
		if _, err := Identifier(id); err != nil {
			t.Errorf("Identifier(%q) error = %v", id, err)
		}
	}

	invalid := []string{"", " ", "has space", "quote'", strings.Repeat("x", MaxIdentifierLength+1)}
	for _, id := range invalid {
		if _, err := Identifier(id); err == nil {
			t.Errorf("Identifier(%q) should fail", id)
		}
	}
}
