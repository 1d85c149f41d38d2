package remote

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

const (
	privateKeyName = "id_ed25519"
	publicKeyName  = "id_ed25519.pub"
	keyComment     = "seed-controller"
)

// Keypair is the controller's SSH identity. The private key never leaves the
// controller; only AuthorizedKey is distributed.
type Keypair struct {
	Signer        ssh.Signer
	AuthorizedKey string
	PrivatePath   string
	PublicPath    string
}

// EnsureKeypair loads the Ed25519 key pair under dir, generating it on first use.
// Calling it repeatedly returns the same key.
func EnsureKeypair(dir string) (*Keypair, error) {
	privPath := filepath.Join(dir, privateKeyName)
	pubPath := filepath.Join(dir, publicKeyName)

	if _, err := os.Stat(privPath); err == nil {
		return loadKeypair(privPath, pubPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ssh dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, keyComment)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	if err := writeExclusive(privPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}
	authorized := authorizedLine(sshPub)
	if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return loadKeypair(privPath, pubPath)
}

func loadKeypair(privPath, pubPath string) (*Keypair, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", privPath, err)
	}

	authorized := authorizedLine(signer.PublicKey())
	if _, err := os.Stat(pubPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(pubPath, []byte(authorized+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write public key: %w", err)
		}
	}

	return &Keypair{
		Signer:        signer,
		AuthorizedKey: authorized,
		PrivatePath:   privPath,
		PublicPath:    pubPath,
	}, nil
}

func authorizedLine(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))) + " " + keyComment
}

// hasAuthorizedKey reports whether an authorized_keys document already holds key.
func hasAuthorizedKey(document string, key ssh.PublicKey) bool {
	want := key.Marshal()
	rest := []byte(document)
	for len(rest) > 0 {
		parsed, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if string(parsed.Marshal()) == string(want) {
			return true
		}
		rest = next
	}
	return false
}

func writeExclusive(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
