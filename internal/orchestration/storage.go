package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"evalgo.org/seed/internal/installer"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

// ErrStorageSetup is returned when the shared export could not be served,
// mounted or written. It aborts the run before installation.
var ErrStorageSetup = errors.New("shared storage setup failed")

const exportsFile = "/etc/exports.d/seed.exports"

var (
	nfsServerPackages = installer.PackageSet{
		"apt-get": {"nfs-kernel-server"},
		"zypper":  {"nfs-kernel-server"},
		"":        {"nfs-utils"},
	}
	nfsClientPackages = installer.PackageSet{
		"apt-get": {"nfs-common"},
		"zypper":  {"nfs-client"},
		"":        {"nfs-utils"},
	}
)

// setupStorage exports the shared directory from the storage node, mounts
// it on every client and proves each node can write to it.
func (o *Orchestrator) setupStorage(ctx context.Context, plan *models.DeploymentPlan) error {
	st := plan.Storage
	server := plan.Node(st.ServerHost)
	if server == nil {
		return fmt.Errorf("%w: storage node %s is not in the plan", ErrStorageSetup, st.ServerHost)
	}
	o.logger.Info("setting up shared storage", "server", st.ServerHost, "export", st.ExportPath, "clients", st.Clients)

	if err := o.exportShare(ctx, plan, server.Device); err != nil {
		return fmt.Errorf("%w: export on %s: %w", ErrStorageSetup, st.ServerHost, err)
	}
	if err := o.checkWritable(ctx, plan, server.Device, st.ExportPath); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStorageSetup, st.ServerHost, err)
	}

	for _, hostname := range st.Clients {
		client := plan.Node(hostname)
		if client == nil {
			return fmt.Errorf("%w: storage client %s is not in the plan", ErrStorageSetup, hostname)
		}
		if err := o.mountShare(ctx, plan, client.Device); err != nil {
			return fmt.Errorf("%w: mount on %s: %w", ErrStorageSetup, hostname, err)
		}
		if err := o.checkWritable(ctx, plan, client.Device, st.MountPath); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStorageSetup, hostname, err)
		}
	}
	return nil
}

func (o *Orchestrator) exportShare(ctx context.Context, plan *models.DeploymentPlan, server models.DeviceCapabilities) error {
	target := o.targetFor(server)
	st := plan.Storage
	sudo := remote.Sudo(target)

	if err := installer.EnsurePackages(ctx, o.remote, target, nfsServerPackages, o.opts.CommandTimeout); err != nil {
		return err
	}

	clients := make([]string, 0, len(st.Clients))
	for _, hostname := range st.Clients {
		clients = append(clients, plan.Node(hostname).Device.Address()+"(rw,sync,no_subtree_check)")
	}
	line := st.ExportPath + " " + strings.Join(clients, " ") + "\n"

	cmds := []string{
		remote.PrepareDirCommand(target, st.ExportPath) + " && " + sudo + "chmod 1777 " + remote.Quote(st.ExportPath),
		fmt.Sprintf("%smkdir -p /etc/exports.d && printf %%s %s | %stee %s >/dev/null", sudo, remote.Quote(line), sudo, exportsFile),
		fmt.Sprintf("%ssystemctl enable --now nfs-server >/dev/null 2>&1 || %ssystemctl enable --now nfs-kernel-server", sudo, sudo),
		sudo + "exportfs -ra",
	}
	return o.runAll(ctx, target, cmds)
}

func (o *Orchestrator) mountShare(ctx context.Context, plan *models.DeploymentPlan, client models.DeviceCapabilities) error {
	target := o.targetFor(client)
	st := plan.Storage
	sudo := remote.Sudo(target)

	if err := installer.EnsurePackages(ctx, o.remote, target, nfsClientPackages, o.opts.CommandTimeout); err != nil {
		return err
	}
	mount := remote.Quote(st.MountPath)
	source := remote.Quote(st.ServerIP + ":" + st.ExportPath)
	cmds := []string{
		fmt.Sprintf("%smkdir -p %s", sudo, mount),
		fmt.Sprintf("mountpoint -q %s || %smount -t nfs %s %s", mount, sudo, source, mount),
	}
	return o.runAll(ctx, target, cmds)
}

// checkWritable writes and removes a probe file as the SSH user.
func (o *Orchestrator) checkWritable(ctx context.Context, plan *models.DeploymentPlan, device models.DeviceCapabilities, dir string) error {
	probe := remote.Quote(dir + "/.seed-write-" + plan.DeploymentID + "-" + device.Hostname)
	cmd := fmt.Sprintf("touch %s && rm -f %s", probe, probe)
	if err := o.runAll(ctx, o.targetFor(device), []string{cmd}); err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	return nil
}

func (o *Orchestrator) runAll(ctx context.Context, target remote.Target, cmds []string) error {
	for _, cmd := range cmds {
		res, err := o.remote.ExecuteRemote(ctx, target, cmd, o.opts.CommandTimeout)
		if err != nil {
			return err
		}
		if err := res.Err(cmd); err != nil {
			return err
		}
	}
	return nil
}
