package security

import "time"

// testSecret is a fixed HMAC secret for unit tests only.
const testSecret = "test-device-secret-0123456789"

// NewTestTokenProvider returns a TokenProvider using a fixed test secret.
// For unit tests only. Callers must not use in production.
func NewTestTokenProvider() (*TokenProvider, error) {
	return NewTokenProvider([]byte(testSecret), "test-issuer", 15*time.Minute)
}
