package installer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

// fakeExecutor records a transcript of every operation. Commands exit zero
// unless a rule matches a substring of the command.
type fakeExecutor struct {
	mu         sync.Mutex
	transcript []string
	files      map[string]string
	rules      []rule
}

type rule struct {
	contains string
	result   remote.Result
	err      error
}

func newFakeExecutor(rules ...rule) *fakeExecutor {
	return &fakeExecutor{files: make(map[string]string), rules: rules}
}

func (f *fakeExecutor) ExecuteRemote(_ context.Context, _ remote.Target, command string, _ time.Duration) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append(f.transcript, "exec "+command)
	for _, r := range f.rules {
		if strings.Contains(command, r.contains) {
			return r.result, r.err
		}
	}
	return remote.Result{}, nil
}

func (f *fakeExecutor) WriteFile(_ context.Context, _ remote.Target, remotePath string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append(f.transcript, "write "+remotePath)
	f.files[remotePath] = string(data)
	return nil
}

func (f *fakeExecutor) TransferDirectory(_ context.Context, _ remote.Target, localDir, remoteDir string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcript = append(f.transcript, "transfer "+localDir+" -> "+remoteDir)
	return nil
}

func (f *fakeExecutor) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, line := range f.transcript {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func (f *fakeExecutor) index(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, line := range f.transcript {
		if strings.Contains(line, substr) {
			return i
		}
	}
	return -1
}

var aptDetected = rule{contains: "for pm in", result: remote.Result{Stdout: "apt-get\n"}}

func testDeps(exec Executor, family models.OSFamily, service string) Deps {
	spec, _ := models.DefaultCatalog().Get(service)
	return Deps{
		Node: Node{
			Hostname: "d1",
			Target:   remote.Target{Host: "10.0.0.1", User: "seed"},
			OSFamily: family,
			Root:     "/opt/seed",
		},
		Spec:           spec,
		Exec:           exec,
		Logger:         logging.Discard(),
		SourceDir:      "/src/platform",
		VerifyAttempts: 3,
	}
}

func build(t *testing.T, exec Executor, family models.OSFamily, service string) Installer {
	t.Helper()
	inst, err := DefaultRegistry().New(service, testDeps(exec, family, service))
	require.NoError(t, err)
	return inst
}

func TestDefaultRegistryCoversCatalog(t *testing.T) {
	r := DefaultRegistry()
	for _, spec := range models.DefaultCatalog() {
		assert.True(t, r.Has(spec.Name), spec.Name)
	}
	assert.Equal(t, []string{"backend", "database", "frontend", "generation", "inference", "media"}, r.Names())

	_, err := r.New("mystery", Deps{})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/opt/seed", "/opt/seed/database", true},
		{"/opt/seed", "/opt/seed/a/b", true},
		{"/opt/seed", "/opt/seed", false},
		{"/opt/seed", "/opt/seedling/x", false},
		{"/opt/seed", "/opt/seed/../etc", false},
		{"/", "/etc", false},
		{"opt/seed", "opt/seed/x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsWithin(tt.root, tt.path), "%s in %s", tt.path, tt.root)
	}
}

func TestDatabaseLifecycle(t *testing.T) {
	exec := newFakeExecutor(aptDetected, rule{contains: "test -f", result: remote.Result{ExitCode: 1}})
	inst := build(t, exec, models.OSLinux, models.ServiceDatabase)
	ctx := context.Background()

	assert.Equal(t, "database", inst.Name())
	installed, err := inst.CheckInstalled(ctx)
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, inst.Install(ctx))
	require.NoError(t, inst.Configure(ctx, map[string]string{"SEED_ROLE_MASTER": "true"}))
	require.NoError(t, inst.Start(ctx))
	assert.True(t, inst.Verify(ctx).Healthy)

	prepare := exec.index("mkdir -p '/opt/seed/database'")
	require.GreaterOrEqual(t, prepare, 0)
	assert.Less(t, prepare, exec.index("apt-get install"), "directory is prepared before packages are installed")
	assert.Less(t, prepare, exec.index("write /opt/seed/database/start.sh"))

	unitFile := exec.files["/opt/seed/database/seed-database.service"]
	assert.Contains(t, unitFile, "EnvironmentFile=/opt/seed/database/seed.env")
	assert.Contains(t, unitFile, "ExecStart=/bin/sh /opt/seed/database/start.sh")
	assert.Contains(t, unitFile, "User=seed")
	assert.Contains(t, exec.files["/opt/seed/database/seed.env"], `SEED_ROLE_MASTER="true"`)
	assert.Contains(t, exec.files["/opt/seed/database/start.sh"], "-p 5432")

	assert.Equal(t, 1, exec.count("systemctl link '/opt/seed/database/seed-database.service'"))
	assert.Equal(t, 1, exec.count("systemctl enable seed-database"))
	assert.Equal(t, 1, exec.count("createdb"))
}

func TestVerifyGivesUpAfterAttempts(t *testing.T) {
	exec := newFakeExecutor(aptDetected, rule{contains: "is-active", result: remote.Result{ExitCode: 3}})
	inst := build(t, exec, models.OSLinux, models.ServiceInference)

	status := inst.Verify(context.Background())
	assert.False(t, status.Healthy)
	assert.Contains(t, status.Message, "seed-inference not healthy after 3 attempts")
	assert.Equal(t, 3, exec.count("is-active"))
}

func TestVerifyStopsWhenAborted(t *testing.T) {
	exec := newFakeExecutor(rule{contains: "is-active", err: remote.ErrAborted})
	inst := build(t, exec, models.OSLinux, models.ServiceBackend)

	status := inst.Verify(context.Background())
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, exec.count("is-active"))
}

func TestRollbackIsScopedToServiceDir(t *testing.T) {
	exec := newFakeExecutor()
	inst := build(t, exec, models.OSLinux, models.ServiceFrontend)
	ctx := context.Background()

	require.NoError(t, inst.Rollback(ctx))
	require.NoError(t, inst.Rollback(ctx), "rollback is repeatable")

	assert.Equal(t, 2, exec.count("rm -rf -- '/opt/seed/frontend'"))
	assert.Equal(t, 2, exec.count("systemctl disable --now seed-frontend"))
	for _, line := range exec.transcript {
		if strings.Contains(line, "rm -rf") {
			assert.Contains(t, line, "/opt/seed/frontend")
		}
	}
}

func TestRollbackRefusesUnsafeRoot(t *testing.T) {
	exec := newFakeExecutor()
	deps := testDeps(exec, models.OSLinux, models.ServiceGeneration)
	deps.Node.Root = "/"
	inst, err := DefaultRegistry().New(models.ServiceGeneration, deps)
	require.NoError(t, err)

	err = inst.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.ErrorIs(t, err, ErrOutsideRoot)
	assert.Empty(t, exec.transcript, "nothing is executed for an unsafe root")
}

func TestRollbackFailureIsReported(t *testing.T) {
	exec := newFakeExecutor(rule{contains: "rm -rf", result: remote.Result{ExitCode: 1, Stderr: "busy"}})
	inst := build(t, exec, models.OSLinux, models.ServiceDatabase)

	err := inst.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrRollbackFailed)
	var cmdErr *remote.CommandError
	assert.True(t, errors.As(err, &cmdErr))
}

func TestRestoreKeepsServiceDir(t *testing.T) {
	exec := newFakeExecutor()
	inst := build(t, exec, models.OSLinux, models.ServiceDatabase)
	ctx := context.Background()

	require.NoError(t, inst.Configure(ctx, map[string]string{"SEED_ROLE_MASTER": "true"}))
	assert.Less(t, exec.index("cp -p '/opt/seed/database/seed.env' '/opt/seed/database/seed.env.prev'"), exec.index("write /opt/seed/database/seed.env"),
		"the previous environment is saved before it is overwritten")

	require.NoError(t, inst.Restore(ctx))
	assert.Equal(t, 1, exec.count("mv -f '/opt/seed/database/seed.env.prev' '/opt/seed/database/seed.env'"))
	assert.Equal(t, 1, exec.count("mv -f '/opt/seed/database/seed-database.service.prev' '/opt/seed/database/seed-database.service'"))
	assert.Equal(t, 1, exec.count("systemctl restart seed-database"))
	assert.Equal(t, 0, exec.count("rm -rf"))
	assert.Equal(t, 0, exec.count("disable"))
}

func TestRestoreBeforeConfigureIsNoop(t *testing.T) {
	exec := newFakeExecutor()
	inst := build(t, exec, models.OSLinux, models.ServiceGeneration)

	require.NoError(t, inst.Restore(context.Background()))
	assert.Empty(t, exec.transcript)
}

func TestRestoreFailureIsReported(t *testing.T) {
	exec := newFakeExecutor(rule{contains: "mv -f", result: remote.Result{ExitCode: 1, Stderr: "read-only file system"}})
	inst := build(t, exec, models.OSLinux, models.ServiceMedia)
	ctx := context.Background()

	require.NoError(t, inst.Configure(ctx, map[string]string{}))
	err := inst.Restore(ctx)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, 0, exec.count("rm -rf"))
}

func TestInstallRequiresLinux(t *testing.T) {
	exec := newFakeExecutor()
	inst := build(t, exec, models.OSDarwin, models.ServiceDatabase)

	err := inst.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.ErrorIs(t, err, ErrUnsupportedOS)
	assert.Empty(t, exec.transcript)
}

func TestInstallFailureNamesService(t *testing.T) {
	exec := newFakeExecutor(aptDetected, rule{contains: "apt-get install", result: remote.Result{ExitCode: 100, Stderr: "E: Unable to locate package"}})
	inst := build(t, exec, models.OSLinux, models.ServiceDatabase)

	err := inst.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), "database install on d1")
	assert.Equal(t, 0, exec.count("touch"), "no installed marker after a failed step")
}

func TestBackendShipsSources(t *testing.T) {
	exec := newFakeExecutor(aptDetected)
	inst := build(t, exec, models.OSLinux, models.ServiceBackend)

	require.NoError(t, inst.Install(context.Background()))
	assert.Equal(t, 1, exec.count("transfer /src/platform/backend -> /opt/seed/backend/app"))
	assert.Less(t, exec.index("transfer"), exec.index("python3 -m venv"))
}

func TestBackendWithoutSourceDir(t *testing.T) {
	exec := newFakeExecutor(aptDetected)
	deps := testDeps(exec, models.OSLinux, models.ServiceBackend)
	deps.SourceDir = ""
	inst, err := DefaultRegistry().New(models.ServiceBackend, deps)
	require.NoError(t, err)

	err = inst.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Contains(t, err.Error(), ErrNoSource.Error())
}

func TestMediaOnDarwinUsesBrew(t *testing.T) {
	exec := newFakeExecutor(
		rule{contains: "for pm in", result: remote.Result{Stdout: "brew\n"}},
		rule{contains: "command -v ffmpeg >/dev/null 2>&1", result: remote.Result{ExitCode: 1}},
	)
	inst := build(t, exec, models.OSDarwin, models.ServiceMedia)
	ctx := context.Background()

	require.NoError(t, inst.Install(ctx))
	require.NoError(t, inst.Configure(ctx, map[string]string{"SEED_ROLE_CLIENT": "true"}))
	require.NoError(t, inst.Start(ctx))
	assert.True(t, inst.Verify(ctx).Healthy)

	assert.Equal(t, 1, exec.count("exec brew install ffmpeg"))
	assert.Equal(t, 0, exec.count("sudo -n brew"))
	assert.Contains(t, exec.files, "/opt/seed/media/seed.env")
	assert.Equal(t, 0, exec.count("systemctl"))
}

func TestMediaOnWindows(t *testing.T) {
	exec := newFakeExecutor(rule{contains: "where ffmpeg", result: remote.Result{ExitCode: 1}})
	inst := build(t, exec, models.OSWindows, models.ServiceMedia)
	ctx := context.Background()

	installed, err := inst.CheckInstalled(ctx)
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, inst.Install(ctx))
	require.NoError(t, inst.Configure(ctx, map[string]string{}))
	require.NoError(t, inst.Rollback(ctx))
	assert.Equal(t, 1, exec.count("winget install"))
	assert.Empty(t, exec.files)
}
