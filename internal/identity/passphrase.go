package identity

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrPassphraseUnsupported is returned by every passphrase-based entry
// point until identity-at-rest encryption is implemented.
var ErrPassphraseUnsupported = errors.New("identity: passphrase-protected identities are not yet supported")

// PassphrasePrompt reads a passphrase from a terminal without echoing it.
// It exists so callers have a stable interface to depend on ahead of
// identity-at-rest encryption; every implementation of it today wires
// into stores that reject a non-empty passphrase with
// ErrPassphraseUnsupported.
type PassphrasePrompt interface {
	Prompt(message string) ([]byte, error)
}

// TerminalPrompt reads a passphrase from fd using golang.org/x/term,
// disabling local echo for the duration of the read.
type TerminalPrompt struct {
	fd int
}

// NewTerminalPrompt returns a PassphrasePrompt backed by the given file
// descriptor, normally os.Stdin.Fd().
func NewTerminalPrompt(fd int) *TerminalPrompt {
	return &TerminalPrompt{fd: fd}
}

func (p *TerminalPrompt) Prompt(message string) ([]byte, error) {
	if !term.IsTerminal(p.fd) {
		return nil, fmt.Errorf("identity: passphrase prompt requires an interactive terminal")
	}
	fmt.Fprint(os.Stderr, message)
	defer fmt.Fprintln(os.Stderr)
	passphrase, err := term.ReadPassword(p.fd)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("identity: read passphrase: %w", err)
	}
	return passphrase, nil
}

// LoadOrCreateEncrypted is the future entry point for passphrase-protected
// identities. It is wired today only to reject any non-empty passphrase,
// keeping LoadOrCreate as the sole working path until the key-wrapping
// format is designed.
func LoadOrCreateEncrypted(dataDir string, prompt PassphrasePrompt) (*KeyPair, bool, error) {
	passphrase, err := prompt.Prompt("Identity passphrase (leave empty for an unencrypted identity): ")
	if err != nil {
		return nil, false, err
	}
	if len(passphrase) > 0 {
		return nil, false, ErrPassphraseUnsupported
	}
	return LoadOrCreate(dataDir)
}
