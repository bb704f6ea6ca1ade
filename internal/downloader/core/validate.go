package core

import (
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation"
)

const MaxSourceURLLength = 255

var sourceSchemePattern = regexp.MustCompile(`^https?://`)

// ValidateSourceURL checks a locator before a job is created for it.
func ValidateSourceURL(sourceURL string) error {
	err := validation.Validate(sourceURL,
		validation.Required,
		validation.Length(1, MaxSourceURLLength),
		validation.Match(sourceSchemePattern).Error("must start with http:// or https://"),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return nil
}
