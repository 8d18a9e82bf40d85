package ssh

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	xssh "golang.org/x/crypto/ssh"
)

// PassphrasePrompt returns the passphrase for the provided key path.
type PassphrasePrompt func(keyPath string) (string, error)

// LoadPrivateKey loads a private key from disk, prompting for a passphrase when required.
func LoadPrivateKey(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := xssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}

	var missing *xssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	if prompt == nil {
		return nil, ErrPassphraseRequired
	}

	passphrase, err := prompt(path)
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt failed: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	signer, err = xssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse private key with passphrase: %w", err)
	}

	return signer, nil
}

// TerminalPassphrasePrompt reads a passphrase from stdin without echoing input.
// It fails when stdin is not a terminal, which is the case for the daemon.
func TerminalPassphrasePrompt(path string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Enter passphrase for %s: ", path)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}

	return string(passphrase), nil
}

// staticPassphrase answers every prompt with a configured passphrase.
func staticPassphrase(passphrase string) PassphrasePrompt {
	return func(string) (string, error) {
		return passphrase, nil
	}
}
