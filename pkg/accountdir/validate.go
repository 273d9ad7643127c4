package accountdir

import (
	"fmt"
	"strings"
	"unicode"
)

const maxNameLen = 32

// ValidateName checks a user or group name before it reaches any store.
// Besides the record delimiters it rejects anything that cannot double as a
// file name under the policy directory.
func ValidateName(field, name string) error {
	switch {
	case name == "":
		return &ValidationError{Field: field, Reason: "must not be empty"}
	case len(name) > maxNameLen:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("longer than %d characters", maxNameLen)}
	case name == "." || name == "..":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is reserved", name)}
	case strings.HasPrefix(name, "-"):
		return &ValidationError{Field: field, Reason: "must not start with '-'"}
	}
	for _, r := range name {
		if r == ':' || r == ',' || r == '/' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("contains forbidden character %q", r)}
		}
	}
	return nil
}

// validateField checks free-text values (gecos, home, shell, hash).
func validateField(field, value string) error {
	if strings.ContainsAny(value, ":\n\r") {
		return &ValidationError{Field: field, Reason: "must not contain ':' or line breaks"}
	}
	return nil
}

func validateID(field string, id int) error {
	if id < 0 {
		return &ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return nil
}

func validateNames(field string, names []string) error {
	for _, n := range names {
		if err := ValidateName(field, n); err != nil {
			return err
		}
	}
	return nil
}
