package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/socket-mail-relay/internal/credentials"
	"github.com/shineum/socket-mail-relay/internal/crypt"
)

const defaultAlgorithm = "aes-256-gcm"

var errNoPassphrase = errors.New("--passphrase is required")

func algorithmFlagUsage() string {
	return "cipher algorithm, one of: " + strings.Join(crypt.Algorithms(), ", ")
}

func newEncryptCmd() *cobra.Command {
	var algorithm, passphrase string

	cmd := &cobra.Command{
		Use:   "encrypt <text>",
		Short: "Encrypt one credentials field and print it as hex",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errNoPassphrase
			}
			out, err := crypt.Encrypt(args[0], algorithm, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", defaultAlgorithm, algorithmFlagUsage())
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase the key is derived from")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var algorithm, passphrase string

	cmd := &cobra.Command{
		Use:   "decrypt <hex>",
		Short: "Decrypt one hex-encoded credentials field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errNoPassphrase
			}
			out, err := crypt.Decrypt(args[0], algorithm, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", defaultAlgorithm, algorithmFlagUsage())
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase the key is derived from")
	return cmd
}

func newSealCmd() *cobra.Command {
	var in, out, algorithm, passphrase string

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a plain credentials file into the relay's credentials format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passphrase == "" {
				return errNoPassphrase
			}
			if filepath.Clean(in) == filepath.Clean(out) {
				return errors.New("--in and --out must differ")
			}

			plain, err := credentials.ReadPlain(in)
			if err != nil {
				return err
			}
			f, err := credentials.Seal(plain, algorithm, passphrase)
			if err != nil {
				return err
			}
			if err := f.WriteFile(out); err != nil {
				return err
			}

			// The written file must load back.
			if _, err := credentials.Load(out); err != nil {
				return fmt.Errorf("sealed file does not load: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, algorithm)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "plain credentials file (JSON or YAML)")
	cmd.Flags().StringVar(&out, "out", "mail.config.json", "encrypted credentials file to write")
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", defaultAlgorithm, algorithmFlagUsage())
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase stored in the file as CryptoPassword")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
