package encryption

import (
	"fmt"
	"io"
)

// NoneEncryptor passes snapshot data through unmodified, for setups where
// the vault itself is trusted (local filesystem, private bucket with SSE).
type NoneEncryptor struct{}

var _ Encryptor = (*NoneEncryptor)(nil)

func NewNoneEncryptor() *NoneEncryptor { return &NoneEncryptor{} }

func (*NoneEncryptor) Setup(string) error { return nil }

func (*NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (*NoneEncryptor) Unlock(string) (DecryptionContext, error) {
	return &NoneDecryptionContext{}, nil
}

func (*NoneEncryptor) IsConfigured() bool { return true }

// NoneDecryptionContext passes data through unmodified.
type NoneDecryptionContext struct{}

var _ DecryptionContext = (*NoneDecryptionContext)(nil)

func (*NoneDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
