package hearthsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// sealNonceSize is the nonce size for AES-GCM.
	sealNonceSize = 12
	// sealSaltSize is the salt size for key derivation.
	sealSaltSize = 32
	// sealKeySize is the AES-256 key size.
	sealKeySize = 32
	// sealPBKDF2Iterations is the number of iterations for key derivation.
	sealPBKDF2Iterations = 100000
)

// Sealer encrypts sensitive persisted values (session, user, household) at
// rest with a passphrase-derived AES-256-GCM key.
type Sealer struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewSealer creates a sealer from a passphrase. If salt is nil a fresh one is
// generated; the caller persists it so values survive a restart. Passing the
// persisted salt back reconstructs the same key.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealer: empty passphrase")
	}
	if salt == nil {
		salt = make([]byte, sealSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	}
	if len(salt) != sealSaltSize {
		return nil, errors.New("sealer: invalid salt size")
	}

	key := pbkdf2.Key([]byte(passphrase), salt, sealPBKDF2Iterations, sealKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation.
func (s *Sealer) Salt() []byte {
	return s.salt
}

// Seal encrypts plaintext and returns ciphertext with prepended nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealNonceSize {
		return nil, errors.New("sealer: ciphertext too short")
	}
	nonce := ciphertext[:sealNonceSize]
	return s.gcm.Open(nil, nonce, ciphertext[sealNonceSize:], nil)
}
