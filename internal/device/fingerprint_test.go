package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sessionkit/sessionkit/internal/storage"
)

func TestGetIsStable(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	p := NewProvider(store)

	a := p.Get()
	b := p.Get()
	require.NotEmpty(t, a.Fingerprint)
	require.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestGetPersistsAcrossProviders(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)

	first := NewProvider(store).Get()
	second := NewProvider(store).Get()
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, first.GeneratedAt.Unix(), second.GeneratedAt.Unix())
}

func TestDigestIsOrderSensitiveAndDeterministic(t *testing.T) {
	info := &Info{Hostname: "host-a", OS: "linux", Arch: "amd64", NumCPU: 8, Timezone: "UTC"}
	require.Equal(t, digest(info), digest(info))

	other := &Info{Hostname: "host-b", OS: "linux", Arch: "amd64", NumCPU: 8, Timezone: "UTC"}
	require.NotEqual(t, digest(info), digest(other))
}

func TestCanonicalOrderIsFixed(t *testing.T) {
	info := &Info{Hostname: "h", OS: "linux", Arch: "arm64", NumCPU: 4, Timezone: "CET", MachineID: "mid"}
	require.Equal(t, "h|linux|arm64|4|CET|mid", canonical(info))
}

func TestRollingHashFallback(t *testing.T) {
	require.Equal(t, rollingHash("abc"), rollingHash("abc"))
	require.NotEqual(t, rollingHash("abc"), rollingHash("abd"))
	require.Contains(t, rollingHash("abc"), "fnv-")
}

func TestCorruptStoredFingerprintRegenerates(t *testing.T) {
	store, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, store.Set(storage.KeyFingerprint, []byte("not json")))

	info := NewProvider(store).Get()
	require.NotEmpty(t, info.Fingerprint)
}
