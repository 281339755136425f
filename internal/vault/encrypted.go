package vault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"deploy-go/internal/deploy"
)

// ErrLocked is returned when reading from an EncryptedVault whose private
// key has not been unlocked.
var ErrLocked = errors.New("vault is locked: private key not unlocked")

// EncryptedVault wraps another Vault and encrypts everything written to it.
// Keys stay plaintext hashes so deduplication still works; only the bytes
// are sealed.
type EncryptedVault struct {
	inner deploy.Vault
	enc   deploy.Encryptor
	dec   deploy.DecryptionContext
}

var _ deploy.Vault = (*EncryptedVault)(nil)

// NewEncryptedVault returns a write-only vault until Unlock is called.
func NewEncryptedVault(inner deploy.Vault, enc deploy.Encryptor) *EncryptedVault {
	return &EncryptedVault{inner: inner, enc: enc}
}

// Unlock installs the decryption context used by GetContent and GetMetadata.
func (v *EncryptedVault) Unlock(dec deploy.DecryptionContext) {
	v.dec = dec
}

// sealed streams the ciphertext of r. The ciphertext length is unknown up
// front, so callers pass -1 as size to the inner vault.
func (v *EncryptedVault) sealed(r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(v.enc.Encrypt(r, pw))
	}()
	return pr
}

func (v *EncryptedVault) open(w io.Writer, fetch func(io.Writer) error) error {
	if v.dec == nil {
		return ErrLocked
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := v.dec.Decrypt(pr, w)
		pr.CloseWithError(err)
		done <- err
	}()

	fetchErr := fetch(pw)
	pw.CloseWithError(fetchErr)
	decErr := <-done
	if fetchErr != nil {
		return fetchErr
	}
	if decErr != nil {
		return fmt.Errorf("decrypting: %w", decErr)
	}
	return nil
}

func (v *EncryptedVault) PutContent(ctx context.Context, hash string, r io.Reader, _ int64) error {
	body := v.sealed(r)
	defer body.Close()
	return v.inner.PutContent(ctx, hash, body, -1)
}

func (v *EncryptedVault) GetContent(ctx context.Context, hash string, w io.Writer) error {
	return v.open(w, func(cw io.Writer) error {
		return v.inner.GetContent(ctx, hash, cw)
	})
}

func (v *EncryptedVault) HasContent(ctx context.Context, hash string) (bool, error) {
	return v.inner.HasContent(ctx, hash)
}

func (v *EncryptedVault) DeleteContent(ctx context.Context, hash string) error {
	return v.inner.DeleteContent(ctx, hash)
}

// ListContent reports ciphertext sizes.
func (v *EncryptedVault) ListContent(ctx context.Context) ([]deploy.VaultObject, error) {
	return v.inner.ListContent(ctx)
}

func (v *EncryptedVault) PutMetadata(ctx context.Context, name string, r io.Reader, _ int64) error {
	body := v.sealed(r)
	defer body.Close()
	return v.inner.PutMetadata(ctx, name, body, -1)
}

func (v *EncryptedVault) GetMetadata(ctx context.Context, name string, w io.Writer) error {
	return v.open(w, func(cw io.Writer) error {
		return v.inner.GetMetadata(ctx, name, cw)
	})
}

func (v *EncryptedVault) ValidateSetup(ctx context.Context) error {
	if !v.enc.IsConfigured() {
		return fmt.Errorf("encryption keys are not configured")
	}
	return v.inner.ValidateSetup(ctx)
}
