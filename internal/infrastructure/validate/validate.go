// Package validate builds small composable checks for user supplied strings.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	errRequired = errors.New("this field is required")
	errControl  = errors.New("must not contain control characters")
)

type Validator func(value string) error

// Field runs validators in order and prefixes the first failure with name.
func Field(name string, validators ...Validator) Validator {
	return func(value string) error {
		for _, check := range validators {
			if err := check(value); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}
}

func Required() Validator {
	return func(v string) error {
		if strings.TrimSpace(v) == "" {
			return errRequired
		}
		return nil
	}
}

// MaxLength counts runes, not bytes.
func MaxLength(limit int) Validator {
	return func(v string) error {
		if utf8.RuneCountInString(v) > limit {
			return fmt.Errorf("must be no more than %d characters", limit)
		}
		return nil
	}
}

// Printable rejects control characters. Names use it; message bodies do not,
// since they may span lines.
func Printable() Validator {
	return func(v string) error {
		if strings.IndexFunc(v, unicode.IsControl) >= 0 {
			return errControl
		}
		return nil
	}
}
