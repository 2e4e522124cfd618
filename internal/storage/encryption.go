package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"mysql-backup-orchestrator/internal/config"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// Encryptor applies AES-256-GCM to whole artifact files.
//
// With a raw key the output is [nonce][ciphertext]. With a passphrase a
// fresh salt is generated per file and the output is
// [salt][nonce][ciphertext]; the key is re-derived from the salt on decrypt.
type Encryptor struct {
	config *config.EncryptionConfig
}

// NewEncryptor returns nil when encryption is disabled
func NewEncryptor(cfg *config.EncryptionConfig) *Encryptor {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &Encryptor{config: cfg}
}

// Enabled reports whether e encrypts anything
func (e *Encryptor) Enabled() bool {
	return e != nil
}

// deriveKey turns a passphrase and salt into an AES-256 key
func (e *Encryptor) deriveKey(passphrase, salt []byte) []byte {
	if e.config.KDF == config.KDFPBKDF2 {
		iterations := e.config.PBKDF2Iterations
		if iterations <= 0 {
			iterations = 100000
		}
		return pbkdf2.Key(passphrase, salt, iterations, keySize, sha256.New)
	}
	return argon2.IDKey(passphrase, salt, argonTime, argonMem, argonPar, keySize)
}

func (e *Encryptor) newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewEncryptionError("failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, NewEncryptionError("failed to create GCM cipher", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var (
		header []byte
		key    []byte
	)

	if e.config.IsPassphrase() {
		passphrase, err := e.config.GetPassphrase()
		if err != nil {
			return nil, NewEncryptionError("failed to get passphrase", err)
		}
		salt := make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, NewEncryptionError("failed to generate salt", err)
		}
		header = salt
		key = e.deriveKey(passphrase, salt)
	} else {
		raw, err := e.config.GetEncryptionKey()
		if err != nil {
			return nil, NewEncryptionError("failed to get encryption key", err)
		}
		key = raw
	}

	gcm, err := e.newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, NewEncryptionError("failed to generate nonce", err)
	}

	out := make([]byte, 0, len(header)+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	var key []byte

	if e.config.IsPassphrase() {
		if len(data) < saltSize+nonceSize {
			return nil, NewEncryptionError("encrypted data too short", nil)
		}
		passphrase, err := e.config.GetPassphrase()
		if err != nil {
			return nil, NewEncryptionError("failed to get passphrase", err)
		}
		key = e.deriveKey(passphrase, data[:saltSize])
		data = data[saltSize:]
	} else {
		raw, err := e.config.GetEncryptionKey()
		if err != nil {
			return nil, NewEncryptionError("failed to get encryption key", err)
		}
		key = raw
	}

	if len(data) < nonceSize {
		return nil, NewEncryptionError("encrypted data too short", nil)
	}

	gcm, err := e.newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, NewEncryptionError("failed to decrypt data", err)
	}
	return plaintext, nil
}

// EncryptFile encrypts src into dst
func (e *Encryptor) EncryptFile(src, dst string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return NewEncryptionError("failed to read plaintext artifact", err)
	}
	sealed, err := e.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, sealed, 0600); err != nil {
		return NewEncryptionError("failed to write encrypted artifact", err)
	}
	return nil
}

// DecryptFile decrypts src into dst
func (e *Encryptor) DecryptFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return NewEncryptionError("failed to read encrypted artifact", err)
	}
	plaintext, err := e.Decrypt(data)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, plaintext, 0600); err != nil {
		return NewEncryptionError("failed to write decrypted artifact", err)
	}
	return nil
}
