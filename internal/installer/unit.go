package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/subosito/gotenv"

	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

const (
	installedMarker = ".installed"
	envFile         = "seed.env"
	startScript     = "start.sh"
	backupSuffix    = ".prev"
)

// unit is the systemd-supervised base shared by every long-running service.
// A service supplies its install steps, the start script and a health
// command; the unit handles directory layout, configuration, the supervisor
// unit and rollback.
type unit struct {
	deps     Deps
	logger   *slog.Logger
	dir      string
	unitName string

	// script is the body of <dir>/start.sh, executed by the unit
	script string

	// health exits zero once the service answers
	health string

	// configured is set once Configure has saved the previous files
	configured bool
}

func newUnit(d Deps) *unit {
	name := d.Spec.Name
	unitName := d.Spec.Unit
	if unitName == "" {
		unitName = "seed-" + name
	}
	return &unit{
		deps:     d,
		logger:   d.Logger.With("service", name, "node", d.Node.Hostname),
		dir:      ServiceDir(d.Node.Root, name),
		unitName: unitName,
	}
}

func (u *unit) Name() string { return u.deps.Spec.Name }

func (u *unit) target() remote.Target { return u.deps.Node.Target }

func (u *unit) path(elem ...string) string {
	return path.Join(append([]string{u.dir}, elem...)...)
}

func (u *unit) unitFile() string { return u.path(u.unitName + ".service") }

// run executes cmd and converts a non-zero exit into an error.
func (u *unit) run(ctx context.Context, cmd string, timeout time.Duration) error {
	res, err := u.deps.Exec.ExecuteRemote(ctx, u.target(), cmd, timeout)
	if err != nil {
		return err
	}
	return res.Err(cmd)
}

// probe executes cmd and reports whether it exited zero.
func (u *unit) probe(ctx context.Context, cmd string) (bool, error) {
	res, err := u.deps.Exec.ExecuteRemote(ctx, u.target(), cmd, 0)
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

func (u *unit) failed(phase string, err error) error {
	return fmt.Errorf("%w: %s %s on %s: %v", ErrInstallFailed, u.Name(), phase, u.deps.Node.Hostname, err)
}

func (u *unit) requireLinux() error {
	if u.deps.Node.OSFamily != models.OSLinux {
		return fmt.Errorf("%w: %s needs linux, node is %s", ErrUnsupportedOS, u.Name(), u.deps.Node.OSFamily)
	}
	return nil
}

func (u *unit) CheckInstalled(ctx context.Context) (bool, error) {
	if err := u.requireLinux(); err != nil {
		return false, u.failed("check", err)
	}
	cmd := fmt.Sprintf("test -f %s && test -f %s", remote.Quote(u.path(installedMarker)), remote.Quote(u.unitFile()))
	ok, err := u.probe(ctx, cmd)
	if err != nil {
		return false, u.failed("check", err)
	}
	return ok, nil
}

// install prepares the service directory, runs steps in order and writes the
// start script and the installed marker. The directory is created and handed
// to the SSH user before any step writes into it.
func (u *unit) install(ctx context.Context, steps ...func(context.Context) error) error {
	if err := u.requireLinux(); err != nil {
		return u.failed("install", err)
	}
	if !IsWithin(u.deps.Node.Root, u.dir) {
		return u.failed("install", fmt.Errorf("%w: %s", ErrOutsideRoot, u.dir))
	}

	u.logger.Info("installing service", "dir", u.dir)
	if err := u.run(ctx, remote.PrepareDirCommand(u.target(), u.dir), 0); err != nil {
		return u.failed("install", err)
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return u.failed("install", err)
		}
	}
	if u.script != "" {
		script := "#!/bin/sh\nset -e\n" + u.script + "\n"
		if err := u.deps.Exec.WriteFile(ctx, u.target(), u.path(startScript), []byte(script), 0o755); err != nil {
			return u.failed("install", err)
		}
	}
	if err := u.run(ctx, "touch "+remote.Quote(u.path(installedMarker)), 0); err != nil {
		return u.failed("install", err)
	}
	return nil
}

// Configure writes the node environment beside the service and links the
// supervisor unit, which reads it through EnvironmentFile.
func (u *unit) Configure(ctx context.Context, env map[string]string) error {
	if err := u.backup(ctx, u.path(envFile), u.unitFile()); err != nil {
		return u.failed("configure", err)
	}
	if err := u.writeEnv(ctx, env); err != nil {
		return u.failed("configure", err)
	}
	if err := u.deps.Exec.WriteFile(ctx, u.target(), u.unitFile(), []byte(u.unitDefinition()), 0o644); err != nil {
		return u.failed("configure", err)
	}
	sudo := remote.Sudo(u.target())
	link := fmt.Sprintf("%ssystemctl link %s && %ssystemctl daemon-reload", sudo, remote.Quote(u.unitFile()), sudo)
	if err := u.run(ctx, link, 0); err != nil {
		return u.failed("configure", err)
	}
	return nil
}

// backup keeps a copy of each existing file beside it so Restore can put
// it back. A stale copy is dropped when the file does not exist.
func (u *unit) backup(ctx context.Context, files ...string) error {
	steps := make([]string, 0, len(files))
	for _, f := range files {
		q, prev := remote.Quote(f), remote.Quote(f+backupSuffix)
		steps = append(steps, fmt.Sprintf("if [ -f %s ]; then cp -p %s %s; else rm -f %s; fi", q, q, prev, prev))
	}
	if err := u.run(ctx, strings.Join(steps, " && "), 0); err != nil {
		return err
	}
	u.configured = true
	return nil
}

// restoreFiles moves the copies taken by backup back into place.
func (u *unit) restoreFiles(ctx context.Context, files ...string) error {
	steps := make([]string, 0, len(files))
	for _, f := range files {
		q, prev := remote.Quote(f), remote.Quote(f+backupSuffix)
		steps = append(steps, fmt.Sprintf("if [ -f %s ]; then mv -f %s %s; fi", prev, prev, q))
	}
	return u.run(ctx, strings.Join(steps, " && "), 0)
}

func (u *unit) writeEnv(ctx context.Context, env map[string]string) error {
	body, err := gotenv.Marshal(gotenv.Env(env))
	if err != nil {
		return err
	}
	return u.deps.Exec.WriteFile(ctx, u.target(), u.path(envFile), []byte(body+"\n"), 0o600)
}

func (u *unit) unitDefinition() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Unit]\nDescription=Seed %s\nAfter=network-online.target\nWants=network-online.target\n\n", u.Name())
	b.WriteString("[Service]\nType=simple\n")
	if user := u.target().User; user != "" && user != "root" {
		fmt.Fprintf(&b, "User=%s\n", user)
	}
	fmt.Fprintf(&b, "WorkingDirectory=%s\n", u.dir)
	fmt.Fprintf(&b, "EnvironmentFile=%s\n", u.path(envFile))
	fmt.Fprintf(&b, "ExecStart=/bin/sh %s\n", u.path(startScript))
	b.WriteString("Restart=on-failure\nRestartSec=5\n\n[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}

func (u *unit) Start(ctx context.Context) error {
	sudo := remote.Sudo(u.target())
	cmd := fmt.Sprintf("%ssystemctl enable %s && %ssystemctl restart %s", sudo, u.unitName, sudo, u.unitName)
	if err := u.run(ctx, cmd, 0); err != nil {
		return u.failed("start", err)
	}
	u.logger.Debug("unit started", "unit", u.unitName)
	return nil
}

// Verify polls the unit state and the health command until both succeed or
// the attempts run out.
func (u *unit) Verify(ctx context.Context) models.HealthStatus {
	check := "systemctl is-active --quiet " + u.unitName
	if u.health != "" {
		check += " && " + u.health
	}
	return poll(ctx, u.deps, func(ctx context.Context) (bool, error) {
		return u.probe(ctx, check)
	}, u.unitName)
}

// Rollback stops and unlinks the unit and removes the service directory.
// Every step tolerates an absent target, so it is safe on a partial install
// and on repeated calls.
func (u *unit) Rollback(ctx context.Context) error {
	if !IsWithin(u.deps.Node.Root, u.dir) {
		return fmt.Errorf("%w: %s: %w: %s", ErrRollbackFailed, u.Name(), ErrOutsideRoot, u.dir)
	}
	sudo := remote.Sudo(u.target())
	cmds := []string{
		fmt.Sprintf("%ssystemctl disable --now %s >/dev/null 2>&1 || true", sudo, u.unitName),
		fmt.Sprintf("%ssystemctl reset-failed %s >/dev/null 2>&1 || true", sudo, u.unitName),
		fmt.Sprintf("%srm -rf -- %s", sudo, remote.Quote(u.dir)),
		fmt.Sprintf("%ssystemctl daemon-reload >/dev/null 2>&1 || true", sudo),
	}
	for _, cmd := range cmds {
		if err := u.run(ctx, cmd, 0); err != nil {
			return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, u.Name(), u.deps.Node.Hostname, err)
		}
	}
	u.logger.Info("service rolled back", "dir", u.dir)
	return nil
}

// Restore reverts Configure on a service that was already installed when
// this run began: the previous environment and unit file go back in place
// and the unit restarts on them. The service directory and its data stay.
func (u *unit) Restore(ctx context.Context) error {
	if !u.configured {
		u.logger.Debug("nothing to restore")
		return nil
	}
	if !IsWithin(u.deps.Node.Root, u.dir) {
		return fmt.Errorf("%w: %s: %w: %s", ErrRollbackFailed, u.Name(), ErrOutsideRoot, u.dir)
	}
	if err := u.restoreFiles(ctx, u.path(envFile), u.unitFile()); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, u.Name(), u.deps.Node.Hostname, err)
	}
	sudo := remote.Sudo(u.target())
	cmd := fmt.Sprintf("%ssystemctl daemon-reload && { %ssystemctl restart %s >/dev/null 2>&1 || true; }", sudo, sudo, u.unitName)
	if err := u.run(ctx, cmd, 0); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrRollbackFailed, u.Name(), u.deps.Node.Hostname, err)
	}
	u.logger.Info("previous configuration restored", "dir", u.dir)
	return nil
}

// poll runs check up to deps.VerifyAttempts times.
func poll(ctx context.Context, deps Deps, check func(context.Context) (bool, error), what string) models.HealthStatus {
	var lastErr error
	for attempt := 1; attempt <= deps.VerifyAttempts; attempt++ {
		ok, err := check(ctx)
		if err == nil && ok {
			return models.HealthStatus{Healthy: true, Message: fmt.Sprintf("%s healthy", what)}
		}
		lastErr = err
		if errors.Is(err, remote.ErrAborted) || attempt == deps.VerifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return models.HealthStatus{Message: fmt.Sprintf("%s: verification aborted", what)}
		case <-time.After(deps.VerifyInterval):
		}
	}
	msg := fmt.Sprintf("%s not healthy after %d attempts", what, deps.VerifyAttempts)
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return models.HealthStatus{Message: msg}
}
