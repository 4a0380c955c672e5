package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
)

// VaultSource reads one secret path from Vault.
type VaultSource struct {
	logical *vault.Logical
	path    string
}

// NewVaultSource builds a Vault client. An empty address or token file
// falls back to VAULT_ADDR and VAULT_TOKEN.
func NewVaultSource(address, tokenFile, path string) (*VaultSource, error) {
	if path == "" {
		return nil, errors.New("vault secret path is required")
	}

	cfg := vault.DefaultConfig()
	if cfg.Error != nil {
		return nil, fmt.Errorf("vault config: %w", cfg.Error)
	}
	if address != "" {
		cfg.Address = address
	}

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}

	if tokenFile != "" {
		p, err := homedir.Expand(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("vault token file: %w", err)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read vault token: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(b)))
	}
	if client.Token() == "" {
		return nil, errors.New("no vault token: set secrets.vault.token-file or VAULT_TOKEN")
	}

	return &VaultSource{logical: client.Logical(), path: path}, nil
}

// Fetch reads the secret. KV version 2 documents are unwrapped from their
// nested "data" field.
func (v *VaultSource) Fetch(ctx context.Context) (Secrets, error) {
	secret, err := v.logical.ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret at %s", v.path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		if _, hasMeta := data["metadata"]; hasMeta {
			data = nested
		}
	}

	log.WithFields(log.Fields{"event": "secrets_loaded", "source": SourceVault, "path": v.path, "keys": len(data)}).
		Debug("loaded secrets")
	return stringify(data), nil
}
