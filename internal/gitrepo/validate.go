package gitrepo

import (
	"fmt"
	"strings"
)

// validateName rejects owner/repo values that could escape the cache tree or
// be read as a git flag: empty, '..', path separators, leading '-', control
// bytes.
func validateName(value, what string) error {
	if value == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, what)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%w: %s cannot contain '..'", ErrInvalidInput, what)
	}
	if strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("%w: %s cannot contain path separators", ErrInvalidInput, what)
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: %s cannot start with '-'", ErrInvalidInput, what)
	}
	if hasControlBytes(value) {
		return fmt.Errorf("%w: %s cannot contain null or control characters", ErrInvalidInput, what)
	}
	return nil
}

// validateRef rejects branch names and commit SHAs that could be read as a
// git flag or traverse refs: empty, '..', leading '-', control bytes.
func validateRef(value, what string) error {
	if value == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, what)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%w: %s cannot contain '..'", ErrInvalidInput, what)
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("%w: %s cannot start with '-'", ErrInvalidInput, what)
	}
	if hasControlBytes(value) {
		return fmt.Errorf("%w: %s cannot contain null or control characters", ErrInvalidInput, what)
	}
	return nil
}

func hasControlBytes(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] < 0x20 {
			return true
		}
	}
	return false
}
