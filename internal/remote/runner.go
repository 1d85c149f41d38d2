package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Runner executes one shell command on a target. Non-zero exit statuses are
// reported through Result; the error is reserved for transport failures.
type Runner interface {
	Run(ctx context.Context, target Target, command string, stdin io.Reader) (Result, error)
}

// LocalRunner runs commands through the controller's own shell.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, _ Target, command string, stdin io.Reader) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return result, err
}

// sshRunner runs commands over SSH, either dialing per command or reusing a
// pooled connection.
type sshRunner struct {
	user           string
	auth           []ssh.AuthMethod
	hostKeys       *hostKeyStore
	connectTimeout time.Duration
	pool           *Pool
}

func (r *sshRunner) Run(ctx context.Context, target Target, command string, stdin io.Reader) (Result, error) {
	client, pooled, err := r.client(ctx, target)
	if err != nil {
		return Result{}, err
	}
	if !pooled {
		defer client.Close()
	}

	session, err := client.NewSession()
	if err != nil {
		if pooled {
			// the pooled connection is dead; drop it so the next command redials
			r.pool.Remove(target.Address())
		}
		return Result{}, fmt.Errorf("%w: open session on %s: %v", ErrUnreachable, target, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("%w: %s on %s", ErrTimeout, command, target)
	}

	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return result, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitStatus()
		return result, nil
	}
	result.ExitCode = -1
	return result, fmt.Errorf("run %q on %s: %w", command, target, err)
}

func (r *sshRunner) client(ctx context.Context, target Target) (*ssh.Client, bool, error) {
	if r.pool != nil {
		client, err := r.pool.Get(target.Address(), func() (*ssh.Client, error) {
			return r.dial(ctx, target)
		})
		return client, true, err
	}
	client, err := r.dial(ctx, target)
	return client, false, err
}

func (r *sshRunner) dial(ctx context.Context, target Target) (*ssh.Client, error) {
	user := target.User
	if user == "" {
		user = r.user
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            r.auth,
		HostKeyCallback: r.hostKeys.Callback(),
		Timeout:         r.connectTimeout,
	}

	address := target.Address()
	dialer := net.Dialer{Timeout: r.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}
	if r.connectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.connectTimeout))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(address, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}

func classifyHandshakeError(address string, err error) error {
	switch {
	case errors.Is(err, ErrHostKeyMismatch):
		return err
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %s: %v", ErrAuthFailed, address, err)
	default:
		return fmt.Errorf("%w: %s: handshake: %v", ErrUnreachable, address, err)
	}
}
