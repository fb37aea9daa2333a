package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 600_000
	saltSize         = 16
	keySize          = 32
)

// kdfFactorSeparator joins the three spec factors (machine identifier,
// install secret, optional passphrase) before PBKDF2 so that a substring
// collision across factor boundaries cannot fake a different factor split.
const kdfFactorSeparator = "\x1f"

// deriveMasterKey runs PBKDF2-HMAC-SHA256 synchronously on the calling
// goroutine (it is CPU-bound and can take up to seconds per spec §5) and
// returns the 32-byte key. It takes no context and cannot be cancelled.
func deriveMasterKey(machineID, installSecret, passphrase string, salt []byte) []byte {
	material := machineID + kdfFactorSeparator + installSecret + kdfFactorSeparator + passphrase
	return pbkdf2.Key([]byte(material), salt, pbkdf2Iterations, keySize, sha256.New)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// sealBlob authenticates and encrypts plaintext under key using AES-256-GCM
// with a fresh random nonce prepended to the ciphertext.
func sealBlob(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openBlob reverses sealBlob. Any authentication failure (wrong key,
// corrupted ciphertext) is reported as ErrCorrupt — it never distinguishes
// "wrong key" from "corrupted bytes" to callers, since that would leak
// information about the key material.
func openBlob(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorrupt)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCorrupt)
	}
	return plaintext, nil
}
