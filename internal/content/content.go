package content

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	messagePolicy = bluemonday.UGCPolicy()
	namePolicy    = bluemonday.StrictPolicy()
)

// SanitizeMessage removes unsafe HTML from message content while keeping
// harmless user-generated markup.
func SanitizeMessage(input string) string {
	return strings.TrimSpace(messagePolicy.Sanitize(input))
}

// SanitizeName strips all markup from a display name.
func SanitizeName(input string) string {
	return strings.TrimSpace(namePolicy.Sanitize(input))
}
