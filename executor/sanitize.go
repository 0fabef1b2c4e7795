package executor

import "regexp"

const (
	redactedMark = "***REDACTED***"

	// MaxSanitizeInput bounds how much device output is kept and scanned
	MaxSanitizeInput = 64 * 1024
)

// credentialPatterns capture the text preceding a secret in group 1. A
// second group, when present, is kept after the mask.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password\s+7\s+)\S+`),
	regexp.MustCompile(`(?i)(secret\s+5\s+)\S+`),
	regexp.MustCompile(`(?i)(secret\s+[89]\s+)\S+`),
	regexp.MustCompile(`(?i)(snmp-server\s+community\s+)\S+`),
	regexp.MustCompile(`(?i)(pre-shared-key\s+)\S+`),
	regexp.MustCompile(`(?i)(key-string\s+(?:\d\s+)?)\S+`),
	regexp.MustCompile(`(?i)(server-private\s+\S+\s+key\s+)\S+`),
	regexp.MustCompile(`(?i)(key\s+7\s+)\S+`),
	regexp.MustCompile(`(?i)(ntp\s+authentication-key\s+\d+\s+md5\s+)\S+`),
	regexp.MustCompile(`(?im)(password\s+)\S+([ \t]*)$`),
	regexp.MustCompile(`(?i)(enable\s+secret\s+\d+\s+)\S+`),
	regexp.MustCompile(`(?i)(username\s+\S+\s+(?:password|secret)\s+\d+\s+)\S+`),
	regexp.MustCompile(`(?i)(neighbor\s+\S+\s+password\s+)\S+`),
	regexp.MustCompile(`(?i)(ip\s+ospf\s+authentication-key\s+)\S+`),
	regexp.MustCompile(`(?i)(ip\s+ospf\s+message-digest-key\s+\d+\s+md5\s+)\S+`),
	regexp.MustCompile(`(?i)(tacacs-server\s+key\s+)\S+`),
	regexp.MustCompile(`(?i)(radius-server\s+key\s+)\S+`),
	regexp.MustCompile(`(?i)(standby\s+\d+\s+authentication\s+)\S+`),
}

// Sanitize masks credentials in device output and truncates it to
// MaxSanitizeInput bytes
func Sanitize(output string) string {
	if len(output) > MaxSanitizeInput {
		output = output[:MaxSanitizeInput]
	}
	for _, re := range credentialPatterns {
		repl := "${1}" + redactedMark
		if re.NumSubexp() > 1 {
			repl += "${2}"
		}
		output = re.ReplaceAllString(output, repl)
	}
	return output
}
