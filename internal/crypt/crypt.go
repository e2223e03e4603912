// Package crypt encrypts and decrypts short credential fields with a named
// algorithm and passphrase. Ciphertext is always hex text.
//
// Two families are supported. The legacy family (aes-*-cbc, aes-*-ecb,
// aes-*-ctr, aes-*-cfb, aes-*-ofb, des-ede3-cbc) derives key and IV from the
// passphrase with OpenSSL's EVP_BytesToKey (MD5, no salt, one round), which
// keeps existing credential files readable. The sealed family (aes-256-gcm,
// chacha20-poly1305) derives the key with scrypt from a random salt and uses a
// random nonce per encryption; new files should use it.
package crypt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrDecrypt is returned for every decryption failure: wrong passphrase,
	// corrupt or truncated ciphertext, or an unknown algorithm.
	ErrDecrypt = errors.New("decrypt failed")

	// ErrUnsupportedAlgorithm is returned when the algorithm name is not known.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// algorithm is one named cipher construction.
type algorithm interface {
	seal(plaintext []byte, passphrase []byte) ([]byte, error)
	open(ciphertext []byte, passphrase []byte) ([]byte, error)
}

var algorithms = map[string]algorithm{
	"aes-128-cbc":       legacyAES(16, modeCBC),
	"aes-192-cbc":       legacyAES(24, modeCBC),
	"aes-256-cbc":       legacyAES(32, modeCBC),
	"aes-128-ecb":       legacyAES(16, modeECB),
	"aes-192-ecb":       legacyAES(24, modeECB),
	"aes-256-ecb":       legacyAES(32, modeECB),
	"aes-128-ctr":       legacyAES(16, modeCTR),
	"aes-192-ctr":       legacyAES(24, modeCTR),
	"aes-256-ctr":       legacyAES(32, modeCTR),
	"aes-128-cfb":       legacyAES(16, modeCFB),
	"aes-192-cfb":       legacyAES(24, modeCFB),
	"aes-256-cfb":       legacyAES(32, modeCFB),
	"aes-128-ofb":       legacyAES(16, modeOFB),
	"aes-192-ofb":       legacyAES(24, modeOFB),
	"aes-256-ofb":       legacyAES(32, modeOFB),
	"des-ede3-cbc":      legacyTripleDES(),
	"aes-256-gcm":       sealedAESGCM(),
	"chacha20-poly1305": sealedChaCha20Poly1305(),
}

// Algorithms returns the supported algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported reports whether name is a known algorithm.
func Supported(name string) bool {
	_, ok := lookup(name)
	return ok
}

// Encrypt trims surrounding whitespace from plaintext, encrypts it with the
// named algorithm and returns lowercase hex.
func Encrypt(plaintext, algorithmName, passphrase string) (string, error) {
	alg, ok := lookup(algorithmName)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithmName)
	}

	sealed, err := alg.seal([]byte(strings.TrimSpace(plaintext)), []byte(passphrase))
	if err != nil {
		return "", fmt.Errorf("encrypt with %s: %w", algorithmName, err)
	}
	return hex.EncodeToString(sealed), nil
}

// Decrypt decodes hex ciphertext and decrypts it with the named algorithm.
// All failures wrap ErrDecrypt.
func Decrypt(ciphertext, algorithmName, passphrase string) (string, error) {
	alg, ok := lookup(algorithmName)
	if !ok {
		return "", fmt.Errorf("%w: %w: %q", ErrDecrypt, ErrUnsupportedAlgorithm, algorithmName)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: invalid hex: %v", ErrDecrypt, err)
	}

	plain, err := alg.open(raw, []byte(passphrase))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if !utf8.Valid(plain) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecrypt)
	}
	return string(plain), nil
}

func lookup(name string) (algorithm, bool) {
	alg, ok := algorithms[strings.ToLower(strings.TrimSpace(name))]
	return alg, ok
}
