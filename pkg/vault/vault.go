package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/cartloom/cartloom/pkg/errdefs"
)

// blobVersion tags every wrapped blob so keys can be rotated by
// re-wrapping. An unknown tag is a cipher error, not a crash.
const blobVersion = "v1"

// Vault encrypts and decrypts tenant credentials with AES-256-GCM.
// Keys are read-only after construction; rotation happens by re-wrapping
// blobs with a new Vault.
type Vault struct {
	key []byte // 32 bytes for AES-256
}

// New creates a vault with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d: %w", len(key), errdefs.ErrMissingKey)
	}
	return &Vault{key: key}, nil
}

// NewFromPassphrase creates a vault using a passphrase.
// The passphrase is hashed with SHA-256 to derive the encryption key.
func NewFromPassphrase(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty: %w", errdefs.ErrMissingKey)
	}
	hash := sha256.Sum256([]byte(passphrase))
	return New(hash[:])
}

// Wrap encrypts plaintext and returns a versioned, base64-encoded blob
// with the nonce prepended to the ciphertext.
func (v *Vault) Wrap(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot wrap empty data")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return blobVersion + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Unwrap decrypts a blob produced by Wrap. Authentication failure and
// unknown version tags both surface as errdefs.ErrCipher.
func (v *Vault) Unwrap(blob string) ([]byte, error) {
	if blob == "" {
		return nil, fmt.Errorf("cannot unwrap empty blob")
	}

	version, encoded, ok := strings.Cut(blob, ":")
	if !ok || version != blobVersion {
		return nil, fmt.Errorf("unknown blob version %q: %w", version, errdefs.ErrCipher)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed blob: %w", errdefs.ErrCipher)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("blob too short: %w", errdefs.ErrCipher)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", errdefs.ErrCipher)
	}

	return plaintext, nil
}

// Rewrap decrypts a blob with this vault and re-encrypts it with the
// destination vault. Used by the key rotation job.
func (v *Vault) Rewrap(blob string, to *Vault) (string, error) {
	plaintext, err := v.Unwrap(blob)
	if err != nil {
		return "", err
	}
	return to.Wrap(plaintext)
}
