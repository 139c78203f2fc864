package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Seal or open stored secrets with the configured key",
}

// readSecret takes the value from args or, when absent, the first line of stdin.
func readSecret(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no value given")
	}
	return line, nil
}

var vaultEncryptCmd = &cobra.Command{
	Use:   "encrypt [plaintext]",
	Short: "Encrypt a value (reads stdin when no argument is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := openVault(cfg)
		if err != nil {
			return err
		}
		plain, err := readSecret(cmd, args)
		if err != nil {
			return err
		}
		sealed, err := v.Encrypt(plain)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

var vaultDecryptCmd = &cobra.Command{
	Use:   "decrypt [ciphertext]",
	Short: "Decrypt a value sealed by this or a previous key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := openVault(cfg)
		if err != nil {
			return err
		}
		sealed, err := readSecret(cmd, args)
		if err != nil {
			return err
		}
		plain, err := v.Decrypt(sealed)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), plain)
		return nil
	},
}

func init() {
	vaultCmd.AddCommand(vaultEncryptCmd, vaultDecryptCmd)
	rootCmd.AddCommand(vaultCmd)
}
