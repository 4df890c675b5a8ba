package utils

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var strict = bluemonday.StrictPolicy()

// SanitizeCode strips markup and surrounding space from a user-typed code.
func SanitizeCode(input string) string {
	// StrictPolicy escapes entities; codes are plain text, so undo that.
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(input)))
}
