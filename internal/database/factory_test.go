package database

import (
	"os"
	"path/filepath"
	"testing"

	"deploy-go/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "db")

	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		wantErr bool
	}{
		{name: "memory database", cfg: config.DatabaseConfig{Type: "memory"}},
		{name: "sqlite database creates data dir", cfg: config.DatabaseConfig{Type: "sqlite", DataDir: dataDir}},
		{name: "sqlite without data_dir", cfg: config.DatabaseConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown type", cfg: config.DatabaseConfig{Type: "postgres"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDatabaseFromConfig(tt.cfg, "host-1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("NewDatabaseFromConfig() expected error, got nil")
				}
				if got != nil {
					t.Error("NewDatabaseFromConfig() should return nil on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDatabaseFromConfig() error = %v", err)
			}
			defer got.Close()

			if err := got.CheckMigrations(); err != nil {
				t.Errorf("CheckMigrations() error = %v", err)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dataDir, "host-1.db")); err != nil {
		t.Errorf("sqlite file not created: %v", err)
	}
}
