// Package secrets defines the secret storage contract used to persist
// session identity and cookie state across restarts. Failures are
// treated as non-fatal by callers: the session simply is not restored.
package secrets

// Store is the get/set/delete-secret contract. Platform keychains or
// file-backed stores can sit behind it interchangeably.
type Store interface {
	SetSecret(key string, value []byte) error
	// GetSecret returns (nil, nil) when the key is absent.
	GetSecret(key string) ([]byte, error)
	DeleteSecret(key string) error
}

// Well-known secret keys.
const (
	KeySession = "session"
	KeyCookies = "cookies"
)
