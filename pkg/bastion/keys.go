package bastion

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadSigner reads a private key file (RSA or ECDSA, optionally
// passphrase-protected) and returns an SSH signer for it.
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", path, err)
	}
	return signer, nil
}
