package keyvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/cloudvolt/diskcryptd/interfaces"
)

// VaultSecretStore escrows secrets to a HashiCorp Vault KV v2 mount.
type VaultSecretStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultSecretStore creates a Vault-backed secret store using token
// authentication. An empty token falls back to the client's environment
// (VAULT_TOKEN).
func NewVaultSecretStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultSecretStore, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address
	cfg.Timeout = 30 * time.Second

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultSecretStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

var _ interfaces.SecretStore = (*VaultSecretStore)(nil)

// secretPath builds the KV v2 data path for a secret name.
func (v *VaultSecretStore) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", v.mountPath, v.dataPath, name)
}

// PutSecret stores the secret base64 encoded under the KV v2 data key.
func (v *VaultSecretStore) PutSecret(ctx context.Context, name string, data []byte) error {
	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(data),
		},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.secretPath(name), payload); err != nil {
		return fmt.Errorf("failed to write secret to Vault: %w", err)
	}
	v.log.Info("Stored secret in Vault", slog.String("name", name))
	return nil
}

// GetSecret retrieves and decodes the secret, or ErrSecretNotFound.
func (v *VaultSecretStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", name, interfaces.ErrSecretNotFound)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected Vault response shape for %s", name)
	}
	value, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, interfaces.ErrSecretNotFound)
	}

	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("secret %s in Vault is corrupt: %w", name, err)
	}
	return decoded, nil
}

// DeleteSecret removes the secret's metadata and all versions.
func (v *VaultSecretStore) DeleteSecret(ctx context.Context, name string) error {
	path := fmt.Sprintf("%s/metadata/%s/%s", v.mountPath, v.dataPath, name)
	if _, err := v.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("failed to delete secret from Vault: %w", err)
	}
	return nil
}

// Available reports whether Vault is initialized and unsealed.
func (v *VaultSecretStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := v.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		v.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// LocationURI returns the store's URI.
func (v *VaultSecretStore) LocationURI() string {
	return v.locationURI
}
