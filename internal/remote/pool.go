package remote

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Pool keeps at most one live SSH connection per host address.
//
// Thread-safe for concurrent access. Concurrent first use of the same host
// may dial twice; the loser's connection is closed before Get returns, so the
// one-connection-per-host bound holds for every connection handed out.
type Pool struct {
	clients map[string]*ssh.Client
	mu      sync.Mutex
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{clients: make(map[string]*ssh.Client)}
}

// Get returns the pooled client for address, dialing with dial when absent.
func (p *Pool) Get(address string, dial func() (*ssh.Client, error)) (*ssh.Client, error) {
	p.mu.Lock()
	if c, ok := p.clients[address]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := dial()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[address]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[address] = c
	return c, nil
}

// Remove closes and forgets the client for address.
func (p *Pool) Remove(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[address]; ok {
		c.Close()
		delete(p.clients, address)
	}
}

// Count returns the number of live connections.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every connection and empties the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for address, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection to %s: %w", address, err))
		}
	}
	p.clients = make(map[string]*ssh.Client)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}
