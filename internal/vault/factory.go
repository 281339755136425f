package vault

import (
	"context"
	"fmt"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// When enc is non-nil the vault is wrapped in an EncryptedVault.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig, enc deploy.Encryptor) (deploy.Vault, error) {
	var (
		v   deploy.Vault
		err error
	)
	switch cfg.Type {
	case "memory":
		v = NewMemoryVault(cfg.Name)
	case "s3":
		v, err = NewS3Vault(ctx, cfg)
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		v, err = NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s vault %q: %w", cfg.Type, cfg.Name, err)
	}
	if enc != nil {
		return NewEncryptedVault(v, enc), nil
	}
	return v, nil
}
