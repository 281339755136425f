package encryption

import (
	"bytes"
	"testing"

	"deploy-go/internal/config"
)

func TestNewEncryptorFromConfig(t *testing.T) {
	tests := []struct {
		typ     string
		wantNil bool
		wantErr bool
	}{
		{typ: "none", wantNil: true},
		{typ: ""},
		{typ: "age"},
		{typ: "test"},
		{typ: "rot13", wantNil: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run("type="+tt.typ, func(t *testing.T) {
			got, err := NewEncryptorFromConfig(config.EncryptionConfig{Type: tt.typ})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("encryptor = %v, wantNil %v", got, tt.wantNil)
			}
		})
	}
}

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	e := NewTestEncryptor()
	dec, err := e.Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, input := range [][]byte{nil, []byte("hello world"), bytes.Repeat([]byte{0x00, 0xff}, 5000)} {
		var sealed bytes.Buffer
		if err := e.Encrypt(bytes.NewReader(input), &sealed); err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Equal(sealed.Bytes(), input) {
			t.Error("sealed output equals input")
		}
		var plain bytes.Buffer
		if err := dec.Decrypt(&sealed, &plain); err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(plain.Bytes(), input) {
			t.Errorf("round trip = %q, want %q", plain.Bytes(), input)
		}
	}
}

func TestTestDecryptionContext_BadHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "truncated", input: testMagic[:3]},
		{name: "wrong magic", input: []byte("NOTMAGIC-and-more")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := (&TestDecryptionContext{}).Decrypt(bytes.NewReader(tt.input), &out); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}
