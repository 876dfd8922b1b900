package secrets

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// vaultKV reads secrets from the KV v2 engine.
type vaultKV struct {
	client *vaultapi.Client
}

// newVaultKV builds the client from the standard Vault environment
// (VAULT_ADDR, VAULT_TOKEN and friends).
func newVaultKV() (VaultReader, error) {
	cfg := vaultapi.DefaultConfig()
	if err := cfg.Error; err != nil {
		return nil, err
	}

	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &vaultKV{client: client}, nil
}

// Read returns the secret's key/value map. KV v2 wraps the payload in a
// "data" key; deleted secrets carry data: null.
func (v *vaultKV) Read(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s", mount, path)

	secret, err := v.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrNotFound)
	}

	inner, ok := secret.Data["data"]
	if !ok || inner == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrNotFound)
	}

	data, ok := inner.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: unexpected secret payload", fullPath)
	}
	return data, nil
}
