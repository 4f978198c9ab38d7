package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/teresa-solution/tenant-client-manager/internal/model"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

var (
	ErrMissingKey     = errors.New("encryption key is not configured")
	ErrInvalidKey     = errors.New("encryption key must be 32 bytes")
	ErrMalformedInput = errors.New("ciphertext is too short")
)

// Cipher encrypts and decrypts credential secrets with AES-GCM.
// It holds no mutable state and is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aesgcm}, nil
}

// NewCipherFromBase64 creates a Cipher from a base64-encoded key
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	if encoded == "" {
		return nil, ErrMissingKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NewCipher(key)
}

// Encrypt seals plaintext and returns nonce || ciphertext
func (c *Cipher) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens data produced by Encrypt
func (c *Cipher) Decrypt(ciphertext []byte) (string, error) {
	ns := c.aead.NonceSize()
	if len(ciphertext) < ns+c.aead.Overhead() {
		return "", ErrMalformedInput
	}

	plaintext, err := c.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptOptional leaves unset fields unset
func (c *Cipher) encryptOptional(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	return c.Encrypt(plaintext)
}

func (c *Cipher) decryptOptional(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	return c.Decrypt(ciphertext)
}

// SealSecrets encrypts every secret field of s
func (c *Cipher) SealSecrets(s model.Secrets) (model.SealedSecrets, error) {
	var (
		out model.SealedSecrets
		err error
	)
	if out.PrimaryToken, err = c.encryptOptional(s.PrimaryToken); err != nil {
		return out, fmt.Errorf("encrypt primary token: %w", err)
	}
	if s.ProtocolAPIID != 0 {
		if out.ProtocolAPIID, err = c.Encrypt(strconv.Itoa(s.ProtocolAPIID)); err != nil {
			return out, fmt.Errorf("encrypt protocol api id: %w", err)
		}
	}
	if out.ProtocolAPIHash, err = c.encryptOptional(s.ProtocolAPIHash); err != nil {
		return out, fmt.Errorf("encrypt protocol api hash: %w", err)
	}
	if out.Phone, err = c.encryptOptional(s.Phone); err != nil {
		return out, fmt.Errorf("encrypt phone: %w", err)
	}
	if out.SessionBlob, err = c.encryptOptional(string(s.SessionBlob)); err != nil {
		return out, fmt.Errorf("encrypt session: %w", err)
	}
	return out, nil
}

// OpenSecrets decrypts the secret fields of a credentials record
func (c *Cipher) OpenSecrets(creds *model.TenantCredentials) (model.Secrets, error) {
	var (
		out model.Secrets
		err error
	)
	if out.PrimaryToken, err = c.decryptOptional(creds.PrimaryToken); err != nil {
		return model.Secrets{}, fmt.Errorf("decrypt primary token: %w", err)
	}
	apiID, err := c.decryptOptional(creds.ProtocolAPIID)
	if err != nil {
		return model.Secrets{}, fmt.Errorf("decrypt protocol api id: %w", err)
	}
	if apiID != "" {
		if out.ProtocolAPIID, err = strconv.Atoi(apiID); err != nil {
			return model.Secrets{}, fmt.Errorf("parse protocol api id: %w", err)
		}
	}
	if out.ProtocolAPIHash, err = c.decryptOptional(creds.ProtocolAPIHash); err != nil {
		return model.Secrets{}, fmt.Errorf("decrypt protocol api hash: %w", err)
	}
	if out.Phone, err = c.decryptOptional(creds.Phone); err != nil {
		return model.Secrets{}, fmt.Errorf("decrypt phone: %w", err)
	}
	session, err := c.decryptOptional(creds.SessionBlob)
	if err != nil {
		return model.Secrets{}, fmt.Errorf("decrypt session: %w", err)
	}
	if session != "" {
		out.SessionBlob = []byte(session)
	}
	return out, nil
}
