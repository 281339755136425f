package encryption

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"deploy-go/internal/deploy"
)

// testMagic marks output of TestEncryptor.
var testMagic = []byte("DPTEST\x00\x01")

// TestEncryptor is a deterministic stand-in for tests. It prepends a magic
// header and inverts every byte, so sealed output never equals the input
// and no key material is needed.
type TestEncryptor struct {
	setupCalled bool
}

var _ deploy.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(string) error {
	e.setupCalled = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	return invertCopy(w, r)
}

func (e *TestEncryptor) Unlock(string) (deploy.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext reverses TestEncryptor.
type TestDecryptionContext struct{}

var _ deploy.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(header, testMagic) {
		return fmt.Errorf("invalid test encryption header")
	}
	return invertCopy(w, r)
}

func invertCopy(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading data: %w", err)
		}
		if err := bw.WriteByte(^b); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing data: %w", err)
	}
	return nil
}
