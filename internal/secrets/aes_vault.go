package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/agentflow/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts credentials with AES-256-GCM before persisting. The
// (agent, name) pair is bound as additional data, so a blob copied to another
// slot fails to decrypt.
type AESVault struct {
	store CredentialStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s CredentialStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func additionalData(agentID, name string) []byte {
	return []byte(agentID + "\x00" + name)
}

func (v *AESVault) encrypt(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (v *AESVault) decrypt(ciphertext, ad []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], ad)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// Set encrypts and stores a credential, replacing any previous value.
func (v *AESVault) Set(ctx context.Context, agentID, name string, value []byte) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential name is required")
	}
	encrypted, err := v.encrypt(value, additionalData(agentID, name))
	if err != nil {
		return err
	}
	return v.store.StoreCredential(ctx, agentID, name, encrypted)
}

// Get resolves a credential for an agent, falling back to the shared scope
// when the agent has no credential of that name.
func (v *AESVault) Get(ctx context.Context, agentID, name string) (string, error) {
	scopes := []string{agentID}
	if agentID != "" {
		scopes = append(scopes, "")
	}

	var lastErr error
	for _, scope := range scopes {
		encrypted, err := v.store.GetCredential(ctx, scope, name)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok && fe.Code == schema.ErrCodeNotFound {
				lastErr = err
				continue
			}
			return "", err
		}
		plain, err := v.decrypt(encrypted, additionalData(scope, name))
		if err != nil {
			return "", err
		}
		return string(plain), nil
	}
	return "", lastErr
}

func (v *AESVault) Delete(ctx context.Context, agentID, name string) error {
	return v.store.DeleteCredential(ctx, agentID, name)
}

func (v *AESVault) List(ctx context.Context, agentID string) ([]string, error) {
	return v.store.ListCredentials(ctx, agentID)
}
