package storage

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) string {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(k)
}

func TestMemoryStoreRoundtrip(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, s.Set(KeyTokens, []byte(`{"accessToken":"at"}`)))
	got, err := s.Get(KeyTokens)
	require.NoError(t, err)
	require.JSONEq(t, `{"accessToken":"at"}`, string(got))

	require.NoError(t, s.Delete(KeyTokens))
	_, err = s.Get(KeyTokens)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeysAreIndependentlyClearable(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, s.Set(KeyTokens, []byte("tokens")))
	require.NoError(t, s.Set(KeyFingerprint, []byte("fp")))

	// wiping tokens must not disturb the fingerprint
	require.NoError(t, s.Delete(KeyTokens))
	got, err := s.Get(KeyFingerprint)
	require.NoError(t, err)
	require.Equal(t, "fp", string(got))
}

func TestClearRemovesEverything(t *testing.T) {
	s, err := NewMemoryStore("")
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyTokens, []byte("a")))
	require.NoError(t, s.Set(KeySession, []byte("b")))

	require.NoError(t, s.Clear())
	_, err = s.Get(KeyTokens)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(KeySession)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	key := randomKey(t)

	s1, err := NewFileStore(dir, key)
	require.NoError(t, err)
	require.NoError(t, s1.Set(KeySession, []byte("session-record")))

	// same key, new store: value survives
	s2, err := NewFileStore(dir, key)
	require.NoError(t, err)
	got, err := s2.Get(KeySession)
	require.NoError(t, err)
	require.Equal(t, "session-record", string(got))
}

func TestFileStoreWrongKeyCannotOpen(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewFileStore(dir, randomKey(t))
	require.NoError(t, err)
	require.NoError(t, s1.Set(KeyTokens, []byte("secret")))

	s2, err := NewFileStore(dir, randomKey(t))
	require.NoError(t, err)
	_, err = s2.Get(KeyTokens)
	require.Error(t, err)
}

func TestFileStoreValuesAreSealedOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, randomKey(t))
	require.NoError(t, err)

	plain := []byte("super-secret-refresh-token")
	require.NoError(t, s.Set(KeyTokens, plain))

	raw, err := readOnDiskValue(dir)
	require.NoError(t, err)
	require.NotContains(t, string(raw), string(plain))
}

func readOnDiskValue(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".bin") {
			return os.ReadFile(filepath.Join(dir, e.Name()))
		}
	}
	return nil, ErrNotFound
}

func TestFileStoreClear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, randomKey(t))
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyTokens, []byte("a")))
	require.NoError(t, s.Set(KeySession, []byte("b")))

	require.NoError(t, s.Clear())
	_, err = s.Get(KeyTokens)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsMalformedKey(t *testing.T) {
	_, err := NewMemoryStore("not-base64!!!")
	require.Error(t, err)
	_, err = NewMemoryStore(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}
