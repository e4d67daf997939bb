package worker

import "regexp"

// redactPatterns is the concrete default set named in SPEC_FULL's
// SUPPLEMENTED FEATURES: AWS-style access keys, generic key=/token=/
// secret= assignments, and PEM private key blocks.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret)\s*[:=]\s*['"]?[A-Za-z0-9/+_.-]{12,}['"]?`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
}

const redactedPlaceholder = "[REDACTED]"

// redact replaces every credential-shaped match with a fixed
// placeholder. Applied before FTS projection and before storing raw
// content when both redaction and content-storage are enabled.
func redact(text string) string {
	for _, re := range redactPatterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}
