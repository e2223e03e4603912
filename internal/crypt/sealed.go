package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const saltSize = 16

// Tunables for scrypt key derivation. Four fields are decrypted per request,
// so N stays one step below the interactive-login recommendation.
const (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// sealed is an AEAD construction laid out as salt || nonce || ciphertext+tag.
type sealed struct {
	keySize int
	newAEAD func(key []byte) (cipher.AEAD, error)
}

func sealedAESGCM() *sealed {
	return &sealed{
		keySize: 32,
		newAEAD: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	}
}

func sealedChaCha20Poly1305() *sealed {
	return &sealed{keySize: chacha20poly1305.KeySize, newAEAD: chacha20poly1305.New}
}

func (s *sealed) seal(plaintext, passphrase []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	aead, err := s.aead(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

func (s *sealed) open(ciphertext, passphrase []byte) ([]byte, error) {
	if len(ciphertext) < saltSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt := ciphertext[:saltSize]

	aead, err := s.aead(passphrase, salt)
	if err != nil {
		return nil, err
	}

	rest := ciphertext[saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, body, salt)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupted ciphertext")
	}
	return plain, nil
}

func (s *sealed) aead(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, s.keySize)
	if err != nil {
		return nil, err
	}
	return s.newAEAD(key)
}
