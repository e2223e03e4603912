// Package credentials loads the encrypted relay credentials file and returns
// the decrypted upstream relay settings.
//
// The file is re-read on every Load so that edits take effect on the next
// request without a restart. Nothing is cached.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/shineum/socket-mail-relay/internal/crypt"
)

var (
	// ErrNotFound means the credentials file does not exist.
	ErrNotFound = errors.New("credentials file not found")

	// ErrMalformed means the file exists but is not a valid credentials record.
	ErrMalformed = errors.New("credentials file malformed")

	// ErrDecrypt means one of the encrypted fields could not be decrypted.
	ErrDecrypt = errors.New("credentials decrypt failed")
)

// utf8BOM is stripped from the start of the file before parsing.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var validate = validator.New()

// LoadError reports which file failed to load. Err wraps ErrNotFound,
// ErrMalformed or ErrDecrypt, or carries the underlying I/O error.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load credentials %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// File is the on-disk record. CryptoAlgorithm and CryptoPassword are stored in
// clear text; the remaining string fields hold hex ciphertext.
type File struct {
	AuthConfig AuthConfig `json:"AuthConfig" yaml:"AuthConfig"`
	MailConfig MailConfig `json:"MailConfig" yaml:"MailConfig"`
}

// AuthConfig holds the key material and the encrypted login.
type AuthConfig struct {
	CryptoAlgorithm string `json:"CryptoAlgorithm" yaml:"CryptoAlgorithm" validate:"required"`
	CryptoPassword  string `json:"CryptoPassword" yaml:"CryptoPassword" validate:"required"`
	Username        string `json:"username" yaml:"username" validate:"required"`
	Password        string `json:"password" yaml:"password" validate:"required"`
}

// MailConfig holds the encrypted relay address and sender identity.
type MailConfig struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	FromMail string `json:"fromMail" yaml:"fromMail" validate:"required"`
}

// Relay is the decrypted upstream relay configuration. It lives only for one
// dispatch and is never written anywhere.
type Relay struct {
	Host     string
	Port     int
	Username string
	Password string
	FromMail string
}

// Store reads credentials from a fixed path.
type Store struct {
	path string
}

// NewStore returns a Store reading from path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file the store reads.
func (s *Store) Path() string {
	return s.path
}

// Load reads, parses and decrypts the credentials file.
func (s *Store) Load(_ context.Context) (Relay, error) {
	relay, err := Load(s.path)
	if err != nil {
		return Relay{}, &LoadError{Path: s.path, Err: err}
	}
	return relay, nil
}

// Load reads, parses and decrypts the credentials file at path.
// Partial credentials are never returned.
func Load(path string) (Relay, error) {
	f, err := ReadFile(path)
	if err != nil {
		return Relay{}, err
	}
	return f.Decrypt()
}

// ReadFile reads and validates the on-disk record without decrypting it.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	data = bytes.TrimPrefix(data, utf8BOM)

	var f File
	if err := unmarshalAny(path, data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &f, nil
}

// Decrypt decrypts the four secret fields with the file's own key material.
func (f *File) Decrypt() (Relay, error) {
	alg := f.AuthConfig.CryptoAlgorithm
	pass := f.AuthConfig.CryptoPassword

	relay := Relay{Port: f.MailConfig.Port}
	fields := []struct {
		name   string
		cipher string
		dst    *string
	}{
		{"username", f.AuthConfig.Username, &relay.Username},
		{"password", f.AuthConfig.Password, &relay.Password},
		{"host", f.MailConfig.Host, &relay.Host},
		{"fromMail", f.MailConfig.FromMail, &relay.FromMail},
	}

	for _, field := range fields {
		plain, err := crypt.Decrypt(strings.TrimSpace(field.cipher), alg, pass)
		if err != nil {
			return Relay{}, fmt.Errorf("%w: field %s: %v", ErrDecrypt, field.name, err)
		}
		*field.dst = plain
	}

	if strings.TrimSpace(relay.Host) == "" || strings.TrimSpace(relay.FromMail) == "" {
		return Relay{}, fmt.Errorf("%w: host and fromMail must not be empty", ErrMalformed)
	}
	return relay, nil
}

// unmarshal picks the decoder from the file extension. JSON is the default.
func unmarshalAny(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	default:
		return json.Unmarshal(data, v)
	}
}
