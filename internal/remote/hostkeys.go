package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyStore verifies host keys against a known_hosts file. Hosts seen for
// the first time are recorded (trust on first use); a host presenting a
// different key than the recorded one is rejected.
type hostKeyStore struct {
	path     string
	insecure bool
	mu       sync.Mutex
}

func (h *hostKeyStore) Callback() ssh.HostKeyCallback {
	if h.insecure {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h.mu.Lock()
		defer h.mu.Unlock()

		if err := h.ensureFile(); err != nil {
			return err
		}
		check, err := knownhosts.New(h.path)
		if err != nil {
			return fmt.Errorf("load known hosts %s: %w", h.path, err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) > 0 {
				return fmt.Errorf("%w: %s", ErrHostKeyMismatch, hostname)
			}
			return h.record(hostname, key)
		}
		return err
	}
}

func (h *hostKeyStore) record(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("record host key: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}

func (h *hostKeyStore) ensureFile() error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
