// Package remote executes commands on managed nodes.
//
// Every remote interaction, from hardware probes to service installation,
// goes through Manager.ExecuteRemote (or helpers built on it), so timeouts,
// cancellation and error classification are handled in one place.
//
// Cancellation semantics: once the caller's context is cancelled no new
// command is issued (ErrAborted), but a command already running is allowed to
// finish or hit its own timeout. A remote write in progress is never killed
// because the user aborted.
package remote

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Options configures a Manager.
type Options struct {
	// KeyDir holds id_ed25519 and id_ed25519.pub
	KeyDir string

	User           string
	Port           int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// Runner overrides the key-authenticated runner (tests)
	Runner Runner

	// Local overrides the runner used for local targets (tests)
	Local Runner

	// PasswordRunner overrides the runner used for key distribution (tests)
	PasswordRunner func(Credentials) Runner
}

// Manager is the SSH manager and credential consumer for one controller.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	hostKeys *hostKeyStore

	mu      sync.Mutex
	keypair *Keypair
	runner  Runner
	pool    *Pool
}

// NewManager creates a manager. No network or filesystem access happens until
// a method is called.
func NewManager(opts Options, logger *slog.Logger) *Manager {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Minute
	}
	if opts.Local == nil {
		opts.Local = LocalRunner{}
	}
	if opts.KnownHostsPath == "" && opts.KeyDir != "" {
		opts.KnownHostsPath = filepath.Join(opts.KeyDir, "known_hosts")
	}
	return &Manager{
		opts:     opts,
		logger:   logger,
		hostKeys: &hostKeyStore{path: opts.KnownHostsPath, insecure: opts.InsecureIgnoreHostKey},
		runner:   opts.Runner,
	}
}

// EnsureKeypair generates the controller key pair on first use and loads it
// afterwards. It is idempotent.
func (m *Manager) EnsureKeypair() (*Keypair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keypair != nil {
		return m.keypair, nil
	}
	kp, err := EnsureKeypair(m.opts.KeyDir)
	if err != nil {
		return nil, err
	}
	m.keypair = kp
	m.logger.Debug("ssh key pair ready", "path", kp.PrivatePath)
	return kp, nil
}

// Target builds the target for host using the configured user and port.
func (m *Manager) Target(host string, local bool) Target {
	return Target{Host: host, Port: m.opts.Port, User: m.opts.User, Local: local}
}

// EnablePooling keeps one live connection per host until Close is called.
func (m *Manager) EnablePooling() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		return
	}
	m.pool = NewPool()
	if sr, ok := m.runner.(*sshRunner); ok {
		sr.pool = m.pool
	}
}

// Close drops every pooled connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	if sr, ok := m.runner.(*sshRunner); ok {
		sr.pool = nil
	}
	m.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}

// ExecuteRemote runs command on target with key authentication and returns
// its exit status and output. A zero timeout selects the default command timeout.
func (m *Manager) ExecuteRemote(ctx context.Context, target Target, command string, timeout time.Duration) (Result, error) {
	runner, err := m.runnerFor(target)
	if err != nil {
		return Result{}, err
	}
	return m.run(ctx, runner, target, command, nil, timeout)
}

// ExecuteRemoteInput is ExecuteRemote with data streamed to the command's stdin.
func (m *Manager) ExecuteRemoteInput(ctx context.Context, target Target, command string, stdin io.Reader, timeout time.Duration) (Result, error) {
	runner, err := m.runnerFor(target)
	if err != nil {
		return Result{}, err
	}
	return m.run(ctx, runner, target, command, stdin, timeout)
}

// WriteFile writes data to path on target, creating parent directories.
func (m *Manager) WriteFile(ctx context.Context, target Target, remotePath string, data []byte, mode os.FileMode) error {
	dir := path.Dir(remotePath)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s",
		Quote(dir), Quote(remotePath), mode.Perm(), Quote(remotePath))
	res, err := m.ExecuteRemoteInput(ctx, target, cmd, strings.NewReader(string(data)), 0)
	if err != nil {
		return err
	}
	return res.Err(cmd)
}

// DistributeKey installs the controller's public key on target using a
// password-authenticated session. The key is appended only when absent, so
// running it any number of times leaves exactly one entry.
func (m *Manager) DistributeKey(ctx context.Context, target Target, creds Credentials) error {
	kp, err := m.EnsureKeypair()
	if err != nil {
		return err
	}

	var runner Runner
	switch {
	case target.Local:
		runner = m.opts.Local
	case m.opts.PasswordRunner != nil:
		runner = m.opts.PasswordRunner(creds)
	default:
		if creds.Empty() {
			return fmt.Errorf("%w: no password for %s", ErrAuthFailed, target)
		}
		runner = &sshRunner{
			user:           creds.Username,
			auth:           creds.authMethods(),
			hostKeys:       m.hostKeys,
			connectTimeout: m.opts.ConnectTimeout,
		}
	}
	if creds.Username != "" {
		target.User = creds.Username
	}

	prepare := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys"
	res, err := m.run(ctx, runner, target, prepare, nil, 0)
	if err != nil {
		return err
	}
	if err := res.Err(prepare); err != nil {
		return err
	}

	read := "cat ~/.ssh/authorized_keys"
	res, err = m.run(ctx, runner, target, read, nil, 0)
	if err != nil {
		return err
	}
	if err := res.Err(read); err != nil {
		return err
	}

	if hasAuthorizedKey(res.Stdout, kp.Signer.PublicKey()) {
		m.logger.Debug("public key already authorized", "target", target.String())
		return nil
	}

	line := kp.AuthorizedKey + "\n"
	if res.Stdout != "" && !strings.HasSuffix(res.Stdout, "\n") {
		line = "\n" + line
	}
	appendCmd := "cat >> ~/.ssh/authorized_keys"
	res, err = m.run(ctx, runner, target, appendCmd, strings.NewReader(line), 0)
	if err != nil {
		return err
	}
	if err := res.Err(appendCmd); err != nil {
		return err
	}

	m.logger.Info("public key distributed", "target", target.String())
	return nil
}

// TransferDirectory copies localDir into remoteDir on target. The remote
// directory is created and handed to the target user before any file is
// written; entries matching an exclude glob (by base name or relative path)
// are skipped along with their subtrees.
func (m *Manager) TransferDirectory(ctx context.Context, target Target, localDir, remoteDir string, excludes []string) error {
	remoteDir = path.Clean(remoteDir)
	if !path.IsAbs(remoteDir) || remoteDir == "/" {
		return fmt.Errorf("transfer destination must be an absolute path below /: %q", remoteDir)
	}
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("transfer source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("transfer source %s is not a directory", localDir)
	}
	for _, pattern := range excludes {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}

	prepare := PrepareDirCommand(target, remoteDir)
	res, err := m.ExecuteRemote(ctx, target, prepare, 0)
	if err != nil {
		return err
	}
	if err := res.Err(prepare); err != nil {
		return fmt.Errorf("prepare %s on %s: %w", remoteDir, target, err)
	}

	pr, pw := io.Pipe()
	archiveErr := make(chan error, 1)
	go func() {
		err := writeArchive(pw, localDir, excludes)
		pw.CloseWithError(err)
		archiveErr <- err
	}()

	extract := fmt.Sprintf("tar -xf - -C %s", Quote(remoteDir))
	res, runErr := m.ExecuteRemoteInput(ctx, target, extract, pr, 0)
	pr.CloseWithError(errors.New("transfer finished"))
	werr := <-archiveErr

	if runErr != nil {
		return runErr
	}
	if err := res.Err(extract); err != nil {
		return err
	}
	if werr != nil {
		return fmt.Errorf("archive %s: %w", localDir, werr)
	}

	m.logger.Debug("directory transferred", "target", target.String(), "src", localDir, "dst", remoteDir)
	return nil
}

// PrepareDirCommand creates dir and gives it to the target user.
func PrepareDirCommand(target Target, dir string) string {
	owner := target.User
	if owner == "" {
		owner = "$(id -un)"
	} else {
		owner = Quote(owner)
	}
	sudo := Sudo(target)
	return fmt.Sprintf("%smkdir -p %s && %schown -R %s: %s", sudo, Quote(dir), sudo, owner, Quote(dir))
}

// Sudo returns the privilege prefix for target: empty for root, non-interactive sudo otherwise.
func Sudo(target Target) string {
	if target.User == "root" {
		return ""
	}
	return "sudo -n "
}

func (m *Manager) runnerFor(target Target) (Runner, error) {
	if target.Local {
		return m.opts.Local, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runner != nil {
		return m.runner, nil
	}
	if m.keypair == nil {
		kp, err := EnsureKeypair(m.opts.KeyDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoKeypair, err)
		}
		m.keypair = kp
	}
	m.runner = &sshRunner{
		user:           m.opts.User,
		auth:           []ssh.AuthMethod{ssh.PublicKeys(m.keypair.Signer)},
		hostKeys:       m.hostKeys,
		connectTimeout: m.opts.ConnectTimeout,
		pool:           m.pool,
	}
	return m.runner, nil
}

func (m *Manager) run(ctx context.Context, runner Runner, target Target, command string, stdin io.Reader, timeout time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrAborted, command)
	}
	if timeout <= 0 {
		timeout = m.opts.CommandTimeout
	}

	// in-flight commands outlive cancellation of the run and stop only at their timeout
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	res, err := runner.Run(execCtx, target, command, stdin)
	m.logger.Debug("remote command",
		"target", target.String(),
		"cmd", command,
		"exit", res.ExitCode,
		"duration", time.Since(start).Round(time.Millisecond),
		"err", err,
	)
	return res, err
}

func writeArchive(w io.Writer, root string, excludes []string) error {
	tw := tar.NewWriter(w)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}
		// ownership comes from the extracting user
		hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
