package logging

import (
	"regexp"
)

const (
	// MaxSnippetLength bounds source text excerpts written to logs.
	MaxSnippetLength = 120
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordRedaction = redaction{regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`), "${1}=" + RedactedText}

	// user:pass@host in URLs
	credentialRedaction = redaction{regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`), "://" + RedactedText + "@"}

	bearerRedaction = redaction{regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`), "Bearer " + RedactedText}

	// api_key=..., key=... and OpenAI style sk-... tokens
	apiKeyRedaction = redaction{regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{16,}`), "${1}=" + RedactedText}
	skKeyRedaction  = redaction{regexp.MustCompile(`sk-[A-Za-z0-9-_]{16,}`), RedactedText}
)

func apply(s string, rules ...redaction) string {
	for _, r := range rules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeConnectionString removes credentials from a DSN or URL before logging.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	return apply(connStr, passwordRedaction, credentialRedaction)
}

// SanitizeError renders err with credentials, bearer tokens and API keys removed.
// Storage and similarity-service errors may echo connection details.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return apply(err.Error(), passwordRedaction, credentialRedaction, bearerRedaction, apiKeyRedaction, skKeyRedaction)
}

// Snippet truncates free text (descriptors, source excerpts) for log fields.
func Snippet(s string) string {
	return TruncateString(s, MaxSnippetLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
