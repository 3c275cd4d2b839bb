// pkg/codec/encrypt.go

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize  = 16
	keyLen    = 32 // AES-256-GCM
	kdfRounds = 10000
)

type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// NewSalt returns a random hex encoded salt for NewPassphraseEncryptor.
func NewSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

type aesEncryptor struct {
	aead cipher.AEAD
}

// NewPassphraseEncryptor derives an AES-256-GCM key from passphrase and the hex salt.
func NewPassphraseEncryptor(passphrase, salt string) (Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	s, err := hex.DecodeString(salt)
	if err != nil || len(s) == 0 {
		return nil, errors.Errorf("invalid salt %q", salt)
	}
	key := pbkdf2.Key([]byte(passphrase), s, kdfRounds, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}
	return &aesEncryptor{aead}, nil
}

// Encrypt returns nonce || sealed plaintext.
func (e *aesEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return e.aead.Seal(buf, buf[:nonceSize], plaintext, nil), nil
}

func (e *aesEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+e.aead.Overhead() {
		return nil, errors.Errorf("misformed ciphertext: %d bytes", len(ciphertext))
	}
	plain, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return plain, nil
}
