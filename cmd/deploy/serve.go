package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passphraseEnv lets unattended servers unlock the vault without a terminal.
const passphraseEnv = "DEPLOY_PASSPHRASE"

var errNoTerminal = errors.New("no terminal to read the passphrase from; set " + passphraseEnv)

func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer agent polls and serve package files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		if a.EncryptionEnabled() {
			pass, err := readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
			if err := a.Unlock(pass); err != nil {
				return fmt.Errorf("unlocking vault: %w", err)
			}
		}
		return a.Serve(cmd.Context())
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the key pair that seals repository content",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if os.Getenv(passphraseEnv) == "" {
			again, err := readPassphrase("Repeat passphrase: ")
			if err != nil {
				return err
			}
			if again != pass {
				return fmt.Errorf("passphrases do not match")
			}
		}
		if err := a.KeysInit(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		cfg := a.Config()
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysInitCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keysCmd)
}
