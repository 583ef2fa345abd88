// Package identity manages the device's single Ed25519 SSH identity, the key
// used for key-based authentication against configured hosts.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Comment is appended to the public key line
const Comment = "keyjawn"

// KeyPair is the identity key with its public half in authorized_keys form
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKey     []byte // OpenSSH PEM
	PublicKey      string // "ssh-ed25519 AAAA... keyjawn"
}

// Generate creates a new identity key in memory.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, Comment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to generate public key: %w", err)
	}

	return &KeyPair{
		PrivateKey: pem.EncodeToMemory(block),
		PublicKey:  authorizedLine(sshPub),
	}, nil
}

// LoadOrGenerate reads the identity at path, creating it (and path+".pub")
// when it does not exist.
func LoadOrGenerate(path string) (*KeyPair, error) {
	kp, err := Load(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := kp.Save(path); err != nil {
		return nil, err
	}
	return kp, nil
}

// Load reads a private key and derives its public key line.
func Load(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	return &KeyPair{
		PrivateKeyPath: path,
		PublicKeyPath:  path + ".pub",
		PrivateKey:     data,
		PublicKey:      authorizedLine(signer.PublicKey()),
	}, nil
}

// Save writes the private key with 0600 and the public key with 0644 permissions.
func (kp *KeyPair) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, kp.PrivateKey, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(kp.PublicKey+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	kp.PrivateKeyPath = path
	kp.PublicKeyPath = path + ".pub"
	return nil
}

// Regenerate replaces the identity at path with a fresh key.
func Regenerate(path string) (*KeyPair, error) {
	if err := Remove(path); err != nil {
		return nil, err
	}
	return LoadOrGenerate(path)
}

// Remove deletes the key files at path
func Remove(path string) error {
	for _, p := range []string{path, path + ".pub"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Signer returns the key for ssh.PublicKeys authentication
func (kp *KeyPair) Signer() (ssh.Signer, error) {
	return ssh.ParsePrivateKey(kp.PrivateKey)
}

// Fingerprint is the SHA256 fingerprint of the public key
func (kp *KeyPair) Fingerprint() (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(kp.PublicKey))
	if err != nil {
		return "", err
	}
	return ssh.FingerprintSHA256(pub), nil
}

func authorizedLine(pub ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))) + " " + Comment
}
