package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/logger"
)

// TrustedDevice records a fingerprint the backend has verified for a user.
type TrustedDevice struct {
	Fingerprint string    `json:"fingerprint"`
	UserID      string    `json:"userId"`
	TrustedAt   time.Time `json:"trustedAt"`
}

// TrustList persists verified device fingerprints under their own storage
// key, independent of tokens and session data.
type TrustList struct {
	store storage.Store
	mu    sync.Mutex
}

func NewTrustList(store storage.Store) *TrustList {
	return &TrustList{store: store}
}

func (t *TrustList) load() []TrustedDevice {
	b, err := t.store.Get(storage.KeyDeviceTrust)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Warnf("registry: load trust list failed: %v", err)
		}
		return nil
	}
	var list []TrustedDevice
	if err := json.Unmarshal(b, &list); err != nil {
		logger.Warnf("registry: trust list unreadable, resetting")
		return nil
	}
	return list
}

// Trust adds (or refreshes) a fingerprint for the user.
func (t *TrustList) Trust(userID, fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.load()
	for i, d := range list {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			list[i].TrustedAt = time.Now().UTC()
			t.persist(list)
			return
		}
	}
	list = append(list, TrustedDevice{Fingerprint: fingerprint, UserID: userID, TrustedAt: time.Now().UTC()})
	t.persist(list)
}

// IsTrusted reports whether the fingerprint has been verified for the user.
func (t *TrustList) IsTrusted(userID, fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.load() {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func (t *TrustList) persist(list []TrustedDevice) {
	b, err := json.Marshal(list)
	if err != nil {
		logger.Errorf("registry: marshal trust list: %v", err)
		return
	}
	if err := t.store.Set(storage.KeyDeviceTrust, b); err != nil {
		logger.Warnf("registry: persist trust list failed: %v", err)
	}
}
