package secrets

import "context"

// Vault holds credentials referenced by API_CALL steps as {{credentials.NAME}}.
// Values are encrypted at rest (AES-256-GCM) and only decrypted for the call
// that needs them. A credential stored under agent "" is shared by all agents.
type Vault interface {
	Get(ctx context.Context, agentID, name string) (string, error)
	Set(ctx context.Context, agentID, name string, value []byte) error
	Delete(ctx context.Context, agentID, name string) error
	List(ctx context.Context, agentID string) ([]string, error)
}

// CredentialStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type CredentialStore interface {
	StoreCredential(ctx context.Context, agentID, name string, value []byte) error
	GetCredential(ctx context.Context, agentID, name string) ([]byte, error)
	DeleteCredential(ctx context.Context, agentID, name string) error
	ListCredentials(ctx context.Context, agentID string) ([]string, error)
}
