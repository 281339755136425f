package encryption

import (
	"fmt"

	"deploy-go/internal/config"
	"deploy-go/internal/deploy"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" returns a nil Encryptor: content is stored in plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (deploy.Encryptor, error) {
	switch cfg.Type {
	case "none":
		return nil, nil
	case "age", "":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
