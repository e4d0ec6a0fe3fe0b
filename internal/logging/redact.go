package logging

import "strings"

const maxPayloadPreview = 48

// RedactToken masks a credential, keeping only a short prefix so log
// lines can be correlated without exposing the secret.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 6 {
		return "***"
	}
	return token[:4] + "***"
}

// RedactPayload truncates a raw wire payload and masks anything that
// looks like a token or cookie value. Used before logging inbound
// frames that failed to parse.
func RedactPayload(payload string) string {
	masked := payload
	for _, key := range []string{"token", "cookie", "password"} {
		idx := strings.Index(strings.ToLower(masked), `"`+key+`"`)
		if idx >= 0 {
			masked = masked[:idx] + `"` + key + `":"***"` + "}"
			break
		}
	}
	if len(masked) > maxPayloadPreview {
		masked = masked[:maxPayloadPreview] + "..."
	}
	return masked
}
