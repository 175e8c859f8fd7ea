package secrets

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

// mapStore is a simple in-memory CredentialStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func key(agentID, name string) string { return agentID + "/" + name }

func (m *mapStore) StoreCredential(_ context.Context, agentID, name string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key(agentID, name)] = cp
	return nil
}

func (m *mapStore) GetCredential(_ context.Context, agentID, name string) ([]byte, error) {
	v, ok := m.data[key(agentID, name)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", name)
	}
	return v, nil
}

func (m *mapStore) DeleteCredential(_ context.Context, agentID, name string) error {
	if _, ok := m.data[key(agentID, name)]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", name)
	}
	delete(m.data, key(agentID, name))
	return nil
}

func (m *mapStore) ListCredentials(_ context.Context, agentID string) ([]string, error) {
	var names []string
	prefix := agentID + "/"
	for k := range m.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			names = append(names, k[len(prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

func testVault(t *testing.T) (*AESVault, *mapStore) {
	t.Helper()
	s := newMapStore()
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	v, err := NewAESVault(s, VaultConfig{MasterKey: k})
	require.NoError(t, err)
	return v, s
}

func TestAESVault_SetAndGet(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "agent-1", "API_KEY", []byte("sk-secret-123")))

	val, err := v.Get(ctx, "agent-1", "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret-123", val)
}

func TestAESVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "token", []byte("plaintext-value")))

	raw := s.data[key("a", "token")]
	assert.NotEqual(t, []byte("plaintext-value"), raw)
	assert.Greater(t, len(raw), len("plaintext-value"))
}

func TestAESVault_SharedFallback(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "", "TOKEN", []byte("shared")))
	require.NoError(t, v.Set(ctx, "agent-2", "TOKEN", []byte("own")))

	val, err := v.Get(ctx, "agent-1", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "shared", val)

	val, err = v.Get(ctx, "agent-2", "TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "own", val)
}

func TestAESVault_BlobBoundToSlot(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "K1", []byte("value")))
	s.data[key("a", "K2")] = s.data[key("a", "K1")]

	_, err := v.Get(ctx, "a", "K2")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeVault, fe.Code)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	s := newMapStore()
	v, err := NewAESVault(s, VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "", "k", []byte("value")))
	val, err := v.Get(ctx, "", "k")
	require.NoError(t, err)
	assert.Equal(t, "value", val)
}

func TestAESVault_WrongKeyCannotDecrypt(t *testing.T) {
	s := newMapStore()
	ctx := context.Background()

	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, _ := NewAESVault(s, VaultConfig{MasterKey: key1})
	require.NoError(t, v1.Set(ctx, "a", "secret", []byte("hidden")))

	v2, _ := NewAESVault(s, VaultConfig{MasterKey: key2})
	_, err := v2.Get(ctx, "a", "secret")
	require.Error(t, err)
}

func TestAESVault_DeleteAndNotFound(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "key", []byte("val")))
	require.NoError(t, v.Delete(ctx, "a", "key"))

	_, err := v.Get(ctx, "a", "key")
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestAESVault_List(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "b_key", []byte("2")))
	require.NoError(t, v.Set(ctx, "a", "a_key", []byte("1")))
	require.NoError(t, v.Set(ctx, "other", "c_key", []byte("3")))

	names, err := v.List(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_key", "b_key"}, names)
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "a", "k1", []byte("same-value")))
	require.NoError(t, v.Set(ctx, "a", "k2", []byte("same-value")))

	assert.False(t, bytes.Equal(s.data[key("a", "k1")], s.data[key("a", "k2")]))
}

func TestAESVault_ConfigErrors(t *testing.T) {
	_, err := NewAESVault(newMapStore(), VaultConfig{MasterKey: []byte("too-short")})
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeVault, fe.Code)

	_, err = NewAESVault(newMapStore(), VaultConfig{})
	require.Error(t, err)

	_, err = NewAESVault(newMapStore(), VaultConfig{Passphrase: "pass"})
	require.Error(t, err)
}

func TestAESVault_EmptyNameRejected(t *testing.T) {
	v, _ := testVault(t)
	err := v.Set(context.Background(), "a", "", []byte("x"))
	require.Error(t, err)
}
