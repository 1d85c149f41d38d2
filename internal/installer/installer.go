// Package installer defines the contract the orchestrator drives to bring one
// service to a verified running state on one node, and one implementation per
// service of the platform.
//
// Implementations are selected through a static, name-keyed Registry. Every
// file an installer creates lives below <install root>/<service>; Rollback
// removes only that directory and the supervisor unit linked from it, and it
// is safe to call on a partially completed install. Restore undoes a failed
// reconfiguration of a service an earlier deployment installed and never
// removes files.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

var (
	// ErrInstallFailed wraps failures of check_installed, install, configure or start.
	ErrInstallFailed = errors.New("install failed")

	// ErrVerifyFailed is reported when a started service never became healthy.
	ErrVerifyFailed = errors.New("verify failed")

	// ErrRollbackFailed means automated cleanup is exhausted and an operator must intervene.
	ErrRollbackFailed = errors.New("rollback failed")

	// ErrUnknownService is returned by the registry for names it does not hold.
	ErrUnknownService = errors.New("unknown service")

	// ErrOutsideRoot guards every destructive command.
	ErrOutsideRoot = errors.New("path outside install root")

	// ErrUnsupportedOS is returned for services that need a Linux node.
	ErrUnsupportedOS = errors.New("service not supported on this operating system")
)

// Installer brings one service to a running, verified state on one node.
type Installer interface {
	Name() string
	CheckInstalled(ctx context.Context) (bool, error)
	Install(ctx context.Context) error
	Configure(ctx context.Context, env map[string]string) error
	Start(ctx context.Context) error
	Verify(ctx context.Context) models.HealthStatus
	Rollback(ctx context.Context) error
	Restore(ctx context.Context) error
}

// Executor is the subset of the SSH manager installers use. Every command
// goes through the manager so timeouts and cancellation behave uniformly.
type Executor interface {
	ExecuteRemote(ctx context.Context, target remote.Target, command string, timeout time.Duration) (remote.Result, error)
	WriteFile(ctx context.Context, target remote.Target, remotePath string, data []byte, mode os.FileMode) error
	TransferDirectory(ctx context.Context, target remote.Target, localDir, remoteDir string, excludes []string) error
}

// Node is where an installer runs.
type Node struct {
	Hostname string
	Target   remote.Target
	OSFamily models.OSFamily

	// Root is the deployment's install root on the node
	Root string
}

// Deps carries everything an installer factory needs.
type Deps struct {
	Node   Node
	Spec   models.ServiceSpec
	Exec   Executor
	Logger *slog.Logger

	// SourceDir holds the platform sources (backend/, frontend/) on the controller
	SourceDir string
	Excludes  []string

	// CommandTimeout bounds package installs and builds
	CommandTimeout time.Duration

	VerifyAttempts int
	VerifyInterval time.Duration
}

// Factory builds an installer for one node.
type Factory func(Deps) Installer

// Registry maps service names to installer factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds one installer per service of the default catalog.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.ServiceDatabase, newDatabase)
	r.Register(models.ServiceInference, newInference)
	r.Register(models.ServiceBackend, newBackend)
	r.Register(models.ServiceFrontend, newFrontend)
	r.Register(models.ServiceGeneration, newGeneration)
	r.Register(models.ServiceMedia, newMedia)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the installer for name.
func (r *Registry) New(name string, deps Deps) (Installer, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	if deps.Spec.Name == "" {
		deps.Spec.Name = name
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = 20 * time.Minute
	}
	if deps.VerifyAttempts <= 0 {
		deps.VerifyAttempts = 10
	}
	if deps.VerifyInterval < 0 {
		deps.VerifyInterval = 0
	}
	return f(deps), nil
}

// ServiceDir returns <root>/<service>.
func ServiceDir(root, service string) string {
	return path.Join(root, service)
}

// IsWithin reports whether p is strictly below root. Both must be absolute
// and root may not be "/".
func IsWithin(root, p string) bool {
	root = path.Clean(root)
	p = path.Clean(p)
	if !path.IsAbs(root) || !path.IsAbs(p) || root == "/" {
		return false
	}
	return strings.HasPrefix(p, root+"/")
}
