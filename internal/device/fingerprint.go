package device

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sessionkit/sessionkit/internal/storage"
	"github.com/sessionkit/sessionkit/pkg/logger"
)

// Info describes the environment a session is bound to. Immutable once
// generated for a given install; the fingerprint is a digest over a fixed,
// ordered attribute set so attribute reordering can never change identity.
type Info struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	OS          string    `json:"os"`
	Arch        string    `json:"arch"`
	NumCPU      int       `json:"numCpu"`
	Timezone    string    `json:"timezone"`
	MachineID   string    `json:"machineId,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Provider derives and caches the per-install device identity.
type Provider struct {
	store storage.Store

	mu     sync.Mutex
	cached *Info
}

func NewProvider(store storage.Store) *Provider {
	return &Provider{store: store}
}

// Get returns the cached device info, loading it from the store or generating
// it on first use. Never returns an error: fingerprinting must not block
// login, so generation falls back to weaker inputs rather than failing.
func (p *Provider) Get() *Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return p.cached
	}
	if b, err := p.store.Get(storage.KeyFingerprint); err == nil {
		var info Info
		if err := json.Unmarshal(b, &info); err == nil && info.Fingerprint != "" {
			p.cached = &info
			return p.cached
		}
		logger.Warnf("device: stored fingerprint unreadable, regenerating")
	}
	info := generate()
	if b, err := json.Marshal(info); err == nil {
		if err := p.store.Set(storage.KeyFingerprint, b); err != nil {
			logger.Warnf("device: persist fingerprint failed: %v", err)
		}
	}
	p.cached = info
	return p.cached
}

func generate() *Info {
	hostname, _ := os.Hostname()
	tz, _ := time.Now().Zone()
	info := &Info{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		NumCPU:      runtime.NumCPU(),
		Timezone:    tz,
		MachineID:   readMachineID(),
		GeneratedAt: time.Now().UTC(),
	}
	info.Fingerprint = digest(info)
	return info
}

// digest hashes the ordered attribute set. SHA-256 when available; the FNV
// rolling hash is the fallback path exercised when the digest fails (it
// cannot fail for sha256, but the seam keeps the fallback testable).
func digest(info *Info) string {
	material := canonical(info)
	h := sha256.New()
	if _, err := h.Write([]byte(material)); err != nil {
		return rollingHash(material)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonical renders the attributes in their fixed order.
func canonical(info *Info) string {
	return strings.Join([]string{
		info.Hostname,
		info.OS,
		info.Arch,
		fmt.Sprintf("%d", info.NumCPU),
		info.Timezone,
		info.MachineID,
	}, "|")
}

func rollingHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("fnv-%016x", h.Sum64())
}

// readMachineID returns a platform machine identifier when one exists.
// Missing IDs are fine; the remaining attributes still produce a stable hash.
func readMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	return ""
}
