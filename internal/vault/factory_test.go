package vault

import (
	"context"
	"path/filepath"
	"testing"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
	"deploy-go/internal/encryption"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.VaultConfig
		encrypted bool
		wantErr   bool
	}{
		{
			name: "memory vault",
			cfg:  config.VaultConfig{Type: "memory", Name: "test-memory"},
		},
		{
			name: "filesystem vault",
			cfg:  config.VaultConfig{Type: "filesystem", Name: "test-fs", FSVaultRoot: filepath.Join(t.TempDir(), "v")},
		},
		{
			name:    "filesystem vault without root",
			cfg:     config.VaultConfig{Type: "filesystem", Name: "test-fs"},
			wantErr: true,
		},
		{
			name:    "s3 vault without bucket",
			cfg:     config.VaultConfig{Type: "s3", Name: "test-s3"},
			wantErr: true,
		},
		{
			name:      "encrypted memory vault",
			cfg:       config.VaultConfig{Type: "memory", Name: "sealed"},
			encrypted: true,
		},
		{
			name:    "unknown vault type",
			cfg:     config.VaultConfig{Type: "unknown", Name: "test-unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var enc deploy.Encryptor
			if tt.encrypted {
				enc = encryption.NewTestEncryptor()
			}

			got, err := NewVaultFromConfig(context.Background(), tt.cfg, enc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if _, ok := got.(*EncryptedVault); ok != tt.encrypted {
				t.Errorf("encrypted = %v, want %v", ok, tt.encrypted)
			}
			if err := got.ValidateSetup(context.Background()); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}
