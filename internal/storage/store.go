package storage

import "errors"

// Scoped storage keys. Each value is independently clearable so a partial
// wipe (e.g. tokens only) never disturbs the device fingerprint or trust list.
const (
	KeyTokens          = "auth.tokens"
	KeySession         = "auth.session"
	KeySecurityContext = "auth.security_context"
	KeyFingerprint     = "auth.device_fingerprint"
	KeyDeviceTrust     = "auth.device_trust"
	KeyMetrics         = "auth.session_metrics"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("storage: key not found")

// Store is scoped get/set/remove with at-rest protection. Values are opaque
// byte payloads; callers own (de)serialization.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Clear removes every key in the store's scope.
	Clear() error
}
