package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shineum/socket-mail-relay/internal/crypt"
)

// Plain is a clear-text credentials record, the input of Seal.
type Plain struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port" validate:"min=1,max=65535"`
	Username string `json:"username" yaml:"username" validate:"required"`
	Password string `json:"password" yaml:"password" validate:"required"`
	FromMail string `json:"fromMail" yaml:"fromMail" validate:"required"`
}

// ReadPlain reads a clear-text record from a JSON or YAML file.
func ReadPlain(path string) (Plain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plain{}, fmt.Errorf("read %s: %w", path, err)
	}

	data = bytes.TrimPrefix(data, utf8BOM)

	var p Plain
	if err := unmarshalAny(path, data, &p); err != nil {
		return Plain{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(&p); err != nil {
		return Plain{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// Seal encrypts a clear-text record into the on-disk form.
func Seal(p Plain, algorithm, passphrase string) (*File, error) {
	if !crypt.Supported(algorithm) {
		return nil, fmt.Errorf("%w: %q", crypt.ErrUnsupportedAlgorithm, algorithm)
	}

	f := &File{
		AuthConfig: AuthConfig{CryptoAlgorithm: algorithm, CryptoPassword: passphrase},
		MailConfig: MailConfig{Port: p.Port},
	}

	fields := []struct {
		plain string
		dst   *string
	}{
		{p.Username, &f.AuthConfig.Username},
		{p.Password, &f.AuthConfig.Password},
		{p.Host, &f.MailConfig.Host},
		{p.FromMail, &f.MailConfig.FromMail},
	}
	for _, field := range fields {
		ct, err := crypt.Encrypt(field.plain, algorithm, passphrase)
		if err != nil {
			return nil, err
		}
		*field.dst = ct
	}
	return f, nil
}

// WriteFile writes the record as indented JSON readable only by the owner.
func (f *File) WriteFile(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
