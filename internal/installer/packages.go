package installer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"evalgo.org/seed/internal/remote"
)

// ErrNoPackageManager is returned when a node has none of the supported package managers.
var ErrNoPackageManager = errors.New("no supported package manager")

type packageManager struct {
	name    string
	install string

	// privileged managers run through sudo
	privileged bool
}

var packageManagers = []packageManager{
	{name: "apt-get", install: "env DEBIAN_FRONTEND=noninteractive apt-get install -y -q", privileged: true},
	{name: "dnf", install: "dnf install -y -q", privileged: true},
	{name: "pacman", install: "pacman -S --noconfirm --needed", privileged: true},
	{name: "zypper", install: "zypper --non-interactive install", privileged: true},
	{name: "brew", install: "brew install"},
}

// PackageSet maps a package manager name to the packages it needs. The
// empty key applies to managers without an entry.
type PackageSet map[string][]string

func (s PackageSet) forManager(name string) []string {
	if pkgs, ok := s[name]; ok {
		return pkgs
	}
	return s[""]
}

func detectCommand() string {
	names := make([]string, len(packageManagers))
	for i, pm := range packageManagers {
		names[i] = pm.name
	}
	return fmt.Sprintf("for pm in %s; do command -v $pm >/dev/null 2>&1 && { echo $pm; exit 0; }; done; exit 1",
		strings.Join(names, " "))
}

func detectPackageManager(ctx context.Context, exec Executor, target remote.Target) (packageManager, error) {
	res, err := exec.ExecuteRemote(ctx, target, detectCommand(), 0)
	if err != nil {
		return packageManager{}, err
	}
	name := strings.TrimSpace(res.Stdout)
	for _, pm := range packageManagers {
		if res.OK() && pm.name == name {
			return pm, nil
		}
	}
	return packageManager{}, fmt.Errorf("%w on %s", ErrNoPackageManager, target)
}

// installPackages installs the packages of set with the node's package manager.
func installPackages(ctx context.Context, d Deps, set PackageSet) error {
	d.Logger.Debug("installing packages", "node", d.Node.Hostname, "service", d.Spec.Name)
	return EnsurePackages(ctx, d.Exec, d.Node.Target, set, d.CommandTimeout)
}

// EnsurePackages installs the packages of set on target with whichever
// supported package manager the node has.
func EnsurePackages(ctx context.Context, exec Executor, target remote.Target, set PackageSet, timeout time.Duration) error {
	pm, err := detectPackageManager(ctx, exec, target)
	if err != nil {
		return err
	}
	pkgs := set.forManager(pm.name)
	if len(pkgs) == 0 {
		return nil
	}

	prefix := ""
	if pm.privileged {
		prefix = remote.Sudo(target)
	}
	var cmd string
	if pm.name == "apt-get" {
		cmd = fmt.Sprintf("%sapt-get update -q && ", prefix)
	}
	cmd += prefix + pm.install + " " + strings.Join(pkgs, " ")

	res, err := exec.ExecuteRemote(ctx, target, cmd, timeout)
	if err != nil {
		return err
	}
	return res.Err(cmd)
}
