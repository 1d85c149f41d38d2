package installer

import (
	"context"
	"fmt"

	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

// media is the ffmpeg toolchain every client receives. It has no process to
// supervise, so Start is a no-op and Verify runs the tool once. It is the
// only service that also installs on macOS and Windows clients.
type media struct {
	*unit
}

func newMedia(d Deps) Installer {
	return &media{unit: newUnit(d)}
}

func (m *media) windows() bool {
	return m.deps.Node.OSFamily == models.OSWindows
}

func (m *media) CheckInstalled(ctx context.Context) (bool, error) {
	cmd := fmt.Sprintf("command -v ffmpeg >/dev/null 2>&1 && test -f %s", remote.Quote(m.path(installedMarker)))
	if m.windows() {
		cmd = "where ffmpeg"
	}
	ok, err := m.probe(ctx, cmd)
	if err != nil {
		return false, m.failed("check", err)
	}
	return ok, nil
}

func (m *media) Install(ctx context.Context) error {
	if m.windows() {
		cmd := "winget install -e --id Gyan.FFmpeg --silent --accept-source-agreements --accept-package-agreements"
		if err := m.run(ctx, cmd, m.deps.CommandTimeout); err != nil {
			return m.failed("install", err)
		}
		return nil
	}
	if m.deps.Node.OSFamily != models.OSLinux && m.deps.Node.OSFamily != models.OSDarwin {
		return m.failed("install", fmt.Errorf("%w: %s", ErrUnsupportedOS, m.deps.Node.OSFamily))
	}
	if !IsWithin(m.deps.Node.Root, m.dir) {
		return m.failed("install", fmt.Errorf("%w: %s", ErrOutsideRoot, m.dir))
	}

	if err := m.run(ctx, remote.PrepareDirCommand(m.target(), m.dir), 0); err != nil {
		return m.failed("install", err)
	}
	present, err := m.probe(ctx, "command -v ffmpeg >/dev/null 2>&1")
	if err != nil {
		return m.failed("install", err)
	}
	if !present {
		if err := installPackages(ctx, m.deps, PackageSet{"": {"ffmpeg"}}); err != nil {
			return m.failed("install", err)
		}
	}
	if err := m.run(ctx, "touch "+remote.Quote(m.path(installedMarker)), 0); err != nil {
		return m.failed("install", err)
	}
	return nil
}

// Configure records the node environment so media jobs can find the shared
// mount. Windows clients keep no files under the install root.
func (m *media) Configure(ctx context.Context, env map[string]string) error {
	if m.windows() {
		return nil
	}
	if err := m.backup(ctx, m.path(envFile)); err != nil {
		return m.failed("configure", err)
	}
	if err := m.writeEnv(ctx, env); err != nil {
		return m.failed("configure", err)
	}
	return nil
}

func (m *media) Start(context.Context) error { return nil }

func (m *media) Verify(ctx context.Context) models.HealthStatus {
	return poll(ctx, m.deps, func(ctx context.Context) (bool, error) {
		return m.probe(ctx, "ffmpeg -hide_banner -version")
	}, "ffmpeg")
}

// Rollback removes the service directory. A system ffmpeg package is left in
// place since other software may depend on it.
func (m *media) Rollback(ctx context.Context) error {
	if m.windows() {
		return nil
	}
	if !IsWithin(m.deps.Node.Root, m.dir) {
		return fmt.Errorf("%w: %s: %w: %s", ErrRollbackFailed, m.Name(), ErrOutsideRoot, m.dir)
	}
	cmd := fmt.Sprintf("%srm -rf -- %s", remote.Sudo(m.target()), remote.Quote(m.dir))
	if err := m.run(ctx, cmd, 0); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, m.Name(), m.deps.Node.Hostname, err)
	}
	return nil
}

// Restore puts back the environment an earlier deployment wrote.
func (m *media) Restore(ctx context.Context) error {
	if m.windows() || !m.configured {
		return nil
	}
	if err := m.restoreFiles(ctx, m.path(envFile)); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, m.Name(), m.deps.Node.Hostname, err)
	}
	return nil
}
