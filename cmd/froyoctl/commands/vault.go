package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyoctl/pkg/errs"
	"github.com/openfroyo/froyoctl/pkg/vault"
)

func newVaultCommand(version string) *cobra.Command {
	var vf vaultFlags

	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Encrypt and decrypt vault files and strings",
		Long: `Manage vault-encrypted data.

Files are encrypted whole; encrypted strings are embedded in YAML
inventories with the !vault tag. Secrets come from --vault-id, given as
[id@]source where source is a password file or 'prompt'.`,
	}
	vf.register(cmd.PersistentFlags())

	cmd.AddCommand(newVaultEncryptCommand(version, &vf))
	cmd.AddCommand(newVaultDecryptCommand(version, &vf))
	cmd.AddCommand(newVaultViewCommand(version, &vf))
	cmd.AddCommand(newVaultEncryptStringCommand(version, &vf))

	return cmd
}

// encryptID picks the vault id to seal with: the flag, else the only or
// first configured id.
func encryptID(v *vault.Vault, flagID string) string {
	if flagID != "" {
		return flagID
	}
	if ids := v.Keyring().IDs(); len(ids) > 0 {
		return ids[0]
	}
	return vault.DefaultID
}

func newVaultEncryptCommand(version string, vf *vaultFlags) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:     "encrypt <file>...",
		Short:   "Encrypt files in place",
		Example: `  froyoctl vault encrypt group_vars/prod.yaml --vault-id prod@~/.vault_pass`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.requireVault(vf)
			if err != nil {
				return err
			}
			sealID := encryptID(v, id)

			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if vault.IsEncrypted(data) {
					return fmt.Errorf("%s is already encrypted", path)
				}
				envelope, err := v.Encrypt(cmd.Context(), data, sealID)
				clear(data)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, envelope, info.Mode().Perm()); err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				a.logger.Info().Str("path", path).Str("vault_id", sealID).Msg("File encrypted")
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Encryption successful"))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "encrypt-vault-id", "", "vault id to encrypt with")
	return cmd
}

func newVaultDecryptCommand(version string, vf *vaultFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <file>...",
		Short: "Decrypt files in place",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.requireVault(vf)
			if err != nil {
				return err
			}

			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				plain, err := decryptFile(cmd, v, path)
				if err != nil {
					return err
				}
				err = os.WriteFile(path, plain, info.Mode().Perm())
				clear(plain)
				if err != nil {
					return fmt.Errorf("failed to write %s: %w", path, err)
				}
				a.logger.Info().Str("path", path).Msg("File decrypted")
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Decryption successful"))
			return nil
		},
	}
}

func newVaultViewCommand(version string, vf *vaultFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "view <file>",
		Short: "Print a decrypted file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.requireVault(vf)
			if err != nil {
				return err
			}
			plain, err := decryptFile(cmd, v, args[0])
			if err != nil {
				return err
			}
			defer clear(plain)
			_, err = cmd.OutOrStdout().Write(plain)
			return err
		},
	}
}

func decryptFile(cmd *cobra.Command, v *vault.Vault, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !vault.IsEncrypted(data) {
		return nil, errs.Newf(errs.CodeVaultIntegrity, "%s is not vault encrypted", path)
	}
	plain, err := v.Decrypt(cmd.Context(), string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plain, nil
}

func newVaultEncryptStringCommand(version string, vf *vaultFlags) *cobra.Command {
	var (
		id   string
		name string
	)

	cmd := &cobra.Command{
		Use:   "encrypt-string [value]",
		Short: "Encrypt a string for use in a YAML inventory",
		Long: `Encrypt a value and print it as a !vault tagged YAML scalar.

Without a value argument the value is read from stdin.`,
		Example: `  froyoctl vault encrypt-string 's3cret' --name db_password --vault-id prod@prompt`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, version)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.requireVault(vf)
			if err != nil {
				return err
			}

			var value []byte
			if len(args) == 1 {
				value = []byte(args[0])
			} else {
				value, err = readValue(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			envelope, err := v.Encrypt(cmd.Context(), value, encryptID(v, id))
			clear(value)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatVaultScalar(name, envelope))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "encrypt-vault-id", "", "vault id to encrypt with")
	cmd.Flags().StringVarP(&name, "name", "n", "", "variable name to print before the value")
	return cmd
}

// readValue reads stdin up to EOF, dropping one trailing newline.
func readValue(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}
	data = []byte(strings.TrimSuffix(string(data), "\n"))
	if len(data) == 0 {
		return nil, fmt.Errorf("refusing to encrypt an empty value")
	}
	return data, nil
}

// formatVaultScalar renders envelope as a literal block tagged !vault.
func formatVaultScalar(name string, envelope []byte) string {
	var b strings.Builder
	if name != "" {
		b.WriteString(name + ": ")
	}
	b.WriteString("!vault |\n")
	for _, line := range strings.Split(strings.TrimRight(string(envelope), "\n"), "\n") {
		b.WriteString("          " + line + "\n")
	}
	return b.String()
}
