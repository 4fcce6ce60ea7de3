// Package keygen creates SSH key pairs for hosts of a fleet to trust
// each other.
package keygen

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	// Bits is the RSA key size.
	Bits = 2048
	// Comment is appended to the public key.
	Comment = "fleetrun"
)

// KeyPair holds an authorized_keys public key and a PEM private key.
type KeyPair struct {
	Public  string
	Private string
}

// Generate creates a new RSA key pair.
func Generate() (*KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, Bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := privateKey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid generated key: %w", err)
	}

	privBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	authorized := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(publicKey)), "\n")

	return &KeyPair{
		Public:  authorized + " " + Comment + "\n",
		Private: string(pem.EncodeToMemory(privBlock)),
	}, nil
}

// WriteFiles writes the pair to dir as <name> (mode 0600) and
// <name>.pub (mode 0644), creating dir if needed.
func (kp *KeyPair) WriteFiles(dir, name string) (privPath, pubPath string, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	privPath = filepath.Join(dir, name)
	pubPath = privPath + ".pub"

	if err := os.WriteFile(privPath, []byte(kp.Private), 0600); err != nil {
		return "", "", fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(kp.Public), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write public key: %w", err)
	}
	return privPath, pubPath, nil
}
