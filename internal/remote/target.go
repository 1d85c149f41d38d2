package remote

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrUnreachable is returned when the TCP connection to a host fails.
	ErrUnreachable = errors.New("remote: host unreachable")

	// ErrAuthFailed is returned when the SSH server rejects every offered credential.
	ErrAuthFailed = errors.New("remote: authentication failed")

	// ErrHostKeyMismatch is returned when a host presents a key different from the recorded one.
	ErrHostKeyMismatch = errors.New("remote: host key mismatch")

	// ErrTimeout is returned when a command exceeds its timeout.
	ErrTimeout = errors.New("remote: command timed out")

	// ErrAborted is returned instead of issuing a command once the run has been cancelled.
	ErrAborted = errors.New("remote: run aborted, command not issued")

	// ErrNoKeypair is returned when key-authenticated execution is requested before a key pair exists.
	ErrNoKeypair = errors.New("remote: key pair not initialised")
)

// Target identifies where a command runs.
type Target struct {
	Host string
	Port int
	User string

	// Local targets run through the local shell instead of SSH
	Local bool
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	host := strings.TrimSpace(t.Host)
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (t Target) String() string {
	if t.Local {
		return "local"
	}
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Err converts a non-zero exit status into an error describing command.
func (r Result) Err(command string) error {
	if r.OK() {
		return nil
	}
	return &CommandError{Command: command, Result: r}
}

// CommandError is a command that ran but exited non-zero.
type CommandError struct {
	Command string
	Result  Result
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command failed cmd=%q exit=%d stderr=%q",
		e.Command, e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

// Quote wraps value in single quotes for a POSIX shell.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
