package remote

import (
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Credentials are a username/password pair used only while distributing the
// controller's public key. They are never persisted.
type Credentials struct {
	Username string
	password []byte
}

// NewCredentials copies password into a buffer owned by the credentials.
func NewCredentials(username, password string) Credentials {
	return Credentials{Username: username, password: []byte(password)}
}

// Empty reports whether no password is held.
func (c Credentials) Empty() bool {
	return len(c.password) == 0
}

func (c Credentials) authMethods() []ssh.AuthMethod {
	secret := string(c.password)
	return []ssh.AuthMethod{
		ssh.Password(secret),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i, q := range questions {
				if strings.Contains(strings.ToLower(q), "password") {
					answers[i] = secret
				}
			}
			return answers, nil
		}),
	}
}

func (c Credentials) zero() {
	for i := range c.password {
		c.password[i] = 0
	}
}

// Vault holds credentials for the duration of one discovery run. It is
// created by the caller, passed explicitly into discovery and closed at the
// end of that scope, which zeroes every password it holds.
type Vault struct {
	mu       sync.Mutex
	byHost   map[string]Credentials
	fallback *Credentials
	closed   bool
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{byHost: make(map[string]Credentials)}
}

// SetDefault sets the credentials used for hosts without their own entry.
func (v *Vault) SetDefault(c Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fallback != nil {
		v.fallback.zero()
	}
	v.fallback = &c
}

// Put stores credentials for one host.
func (v *Vault) Put(host string, c Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if old, ok := v.byHost[host]; ok {
		old.zero()
	}
	v.byHost[host] = c
}

// Lookup returns the credentials for host, falling back to the default entry.
func (v *Vault) Lookup(host string) (Credentials, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Credentials{}, false
	}
	if c, ok := v.byHost[host]; ok {
		return c, true
	}
	if v.fallback != nil {
		return *v.fallback, true
	}
	return Credentials{}, false
}

// Close zeroes and forgets every credential. Lookups after Close find nothing.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for host, c := range v.byHost {
		c.zero()
		delete(v.byHost, host)
	}
	if v.fallback != nil {
		v.fallback.zero()
		v.fallback = nil
	}
	v.closed = true
}
