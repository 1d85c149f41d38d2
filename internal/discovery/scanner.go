// Package discovery finds SSH-reachable hosts on a subnet.
//
// A scan dials the SSH port of every host address in a CIDR with a bounded
// worker pool, a dial rate cap and a short per-host timeout. The whole scan is
// bounded in wall-clock time by Options.Deadline plus one per-host timeout,
// whatever the subnet size: when the deadline passes no further dials start
// and the hosts found so far are returned.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrNetworkTooLarge is returned for prefixes holding more than Options.MaxHosts addresses.
var ErrNetworkTooLarge = errors.New("discovery: network too large")

// Candidate is a host that accepted a connection on the SSH port, or one
// named explicitly by the operator.
type Candidate struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
}

// Options tune a scan. Zero values select the defaults below.
type Options struct {
	Port     int
	Timeout  time.Duration
	Workers  int
	Rate     float64
	Deadline time.Duration

	// MaxHosts caps the number of addresses a single scan enumerates
	MaxHosts int
}

const (
	defaultPort     = 22
	defaultTimeout  = 750 * time.Millisecond
	defaultWorkers  = 64
	defaultRate     = 200
	defaultDeadline = time.Minute
	defaultMaxHosts = 4096
	lookupTimeout   = 500 * time.Millisecond
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)
type lookupFunc func(ctx context.Context, addr string) ([]string, error)

// Scanner probes subnets for SSH listeners.
type Scanner struct {
	opts   Options
	logger *slog.Logger
	dial   dialFunc
	lookup lookupFunc
}

// New creates a scanner.
func New(opts Options, logger *slog.Logger) *Scanner {
	if opts.Port == 0 {
		opts.Port = defaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Rate <= 0 {
		opts.Rate = defaultRate
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	if opts.MaxHosts <= 0 {
		opts.MaxHosts = defaultMaxHosts
	}
	d := &net.Dialer{}
	return &Scanner{
		opts:   opts,
		logger: logger,
		dial:   d.DialContext,
		lookup: net.DefaultResolver.LookupAddr,
	}
}

// Bound returns the documented upper limit on the duration of one scan.
func (s *Scanner) Bound() time.Duration {
	return s.opts.Deadline + s.opts.Timeout
}

// Scan returns the hosts in cidr with an open SSH port, sorted by address.
// Reaching the deadline is not an error; cancelling ctx is.
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]Candidate, error) {
	addrs, err := Hosts(cidr, s.opts.MaxHosts)
	if err != nil {
		return nil, err
	}

	s.logger.Info("scanning network",
		"cidr", cidr,
		"hosts", len(addrs),
		"port", s.opts.Port,
		"workers", s.opts.Workers,
		"bound", s.Bound(),
	)

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(s.opts.Rate), s.opts.Workers)
	g, gctx := errgroup.WithContext(scanCtx)
	g.SetLimit(s.opts.Workers)

	var (
		mu    sync.Mutex
		found []Candidate
	)
	start := time.Now()
	for _, addr := range addrs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			if !s.open(gctx, addr) {
				return nil
			}
			c := Candidate{IP: addr.String(), Hostname: s.reverse(ctx, addr)}
			s.logger.Debug("ssh port open", "ip", c.IP, "hostname", c.Hostname)
			mu.Lock()
			found = append(found, c)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", cidr, err)
	}
	if errors.Is(scanCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("scan deadline reached, results are partial", "cidr", cidr, "deadline", s.opts.Deadline)
	}

	slices.SortFunc(found, func(a, b Candidate) int {
		return netip.MustParseAddr(a.IP).Compare(netip.MustParseAddr(b.IP))
	})
	s.logger.Info("scan complete", "cidr", cidr, "found", len(found), "elapsed", time.Since(start).Round(time.Millisecond))
	return found, nil
}

func (s *Scanner) open(ctx context.Context, addr netip.Addr) bool {
	dctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	conn, err := s.dial(dctx, "tcp", net.JoinHostPort(addr.String(), strconv.Itoa(s.opts.Port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Scanner) reverse(ctx context.Context, addr netip.Addr) string {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	names, err := s.lookup(lctx, addr.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// Hosts enumerates the usable host addresses of an IPv4 prefix. The network
// and broadcast addresses are skipped for prefixes shorter than /31.
func Hosts(cidr string, maxHosts int) ([]netip.Addr, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", cidr, err)
	}
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("invalid network %q: only IPv4 networks can be scanned", cidr)
	}

	hostBits := 32 - prefix.Bits()
	size := 1 << hostBits
	if maxHosts > 0 && size > maxHosts+2 {
		return nil, fmt.Errorf("%w: %s holds %d addresses, limit is %d", ErrNetworkTooLarge, cidr, size, maxHosts)
	}

	addrs := make([]netip.Addr, 0, size)
	for a := prefix.Addr(); prefix.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
	}
	if hostBits >= 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs, nil
}

// Explicit turns an operator-supplied host list into candidates without
// probing anything. Entries may be IP addresses or host names; duplicates
// are dropped and order is preserved.
func Explicit(hosts []string) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if _, err := netip.ParseAddr(h); err == nil {
			out = append(out, Candidate{IP: h})
		} else {
			out = append(out, Candidate{IP: h, Hostname: h})
		}
	}
	return out
}

// ParseList splits a comma separated --ips value.
func ParseList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LocalNetwork returns the /24 containing ip, the default scan range.
func LocalNetwork(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return "", fmt.Errorf("cannot derive a network from %q", ip)
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return "", err
	}
	return prefix.String(), nil
}
