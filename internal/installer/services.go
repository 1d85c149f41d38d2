package installer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"evalgo.org/seed/internal/remote"
)

// ErrNoSource is returned when a service shipped from the controller has no source directory configured.
var ErrNoSource = errors.New("install.source_dir is not set")

const comfyRepository = "https://github.com/comfyanonymous/ComfyUI"

// database runs a dedicated PostgreSQL cluster whose data directory lives
// under the service directory.
type database struct {
	*unit
	port int
}

func newDatabase(d Deps) Installer {
	db := &database{unit: newUnit(d), port: portOr(d, 5432)}
	bin := fmt.Sprintf(`"$(cat %s)"`, remote.Quote(db.path(".bindir")))
	db.script = fmt.Sprintf("exec %s/postgres -D %s -p %d -k %s -c listen_addresses='*'",
		bin, remote.Quote(db.path("data")), db.port, remote.Quote(db.path("run")))
	db.health = fmt.Sprintf("%s/pg_isready -q -h 127.0.0.1 -p %d", bin, db.port)
	return db
}

func (db *database) Install(ctx context.Context) error {
	return db.install(ctx,
		func(ctx context.Context) error {
			return installPackages(ctx, db.deps, PackageSet{
				"dnf":    {"postgresql-server"},
				"zypper": {"postgresql-server"},
				"":       {"postgresql"},
			})
		},
		func(ctx context.Context) error {
			locate := fmt.Sprintf(`pgbin=$(ls -d /usr/lib/postgresql/*/bin 2>/dev/null | sort -V | tail -n1); `+
				`[ -n "$pgbin" ] || pgbin=$(dirname "$(command -v initdb)"); echo "$pgbin" > %s`,
				remote.Quote(db.path(".bindir")))
			return db.run(ctx, locate, 0)
		},
		func(ctx context.Context) error {
			data := remote.Quote(db.path("data"))
			initdb := fmt.Sprintf(`mkdir -p %s && [ -f %s/PG_VERSION ] || "$(cat %s)/initdb" -D %s -U seed --auth-local=trust --auth-host=trust`,
				remote.Quote(db.path("run")), data, remote.Quote(db.path(".bindir")), data)
			if err := db.run(ctx, initdb, db.deps.CommandTimeout); err != nil {
				return err
			}
			hba := fmt.Sprintf(`grep -q '^host all all samenet trust' %s/pg_hba.conf || echo 'host all all samenet trust' >> %s/pg_hba.conf`, data, data)
			return db.run(ctx, hba, 0)
		},
	)
}

// Start also creates the application database once the server accepts
// connections.
func (db *database) Start(ctx context.Context) error {
	if err := db.unit.Start(ctx); err != nil {
		return err
	}
	status := db.Verify(ctx)
	if !status.Healthy {
		return db.failed("start", errors.New(status.Message))
	}
	createdb := fmt.Sprintf(`"$(cat %s)/createdb" -h %s -p %d -U seed seed 2>/dev/null || true`,
		remote.Quote(db.path(".bindir")), remote.Quote(db.path("run")), db.port)
	if err := db.run(ctx, createdb, 0); err != nil {
		return db.failed("start", err)
	}
	return nil
}

// inference runs the ollama model server.
type inference struct {
	*unit
}

func newInference(d Deps) Installer {
	in := &inference{unit: newUnit(d)}
	port := portOr(d, 11434)
	in.script = fmt.Sprintf("export OLLAMA_HOST=0.0.0.0:%d\nexport OLLAMA_MODELS=%s\nexec ollama serve",
		port, remote.Quote(in.path("models")))
	in.health = fmt.Sprintf("curl -fsS -m 5 -o /dev/null http://127.0.0.1:%d/api/version", port)
	return in
}

func (in *inference) Install(ctx context.Context) error {
	sudo := remote.Sudo(in.target())
	return in.install(ctx,
		func(ctx context.Context) error {
			return installPackages(ctx, in.deps, PackageSet{"": {"curl"}})
		},
		func(ctx context.Context) error {
			cmd := "command -v ollama >/dev/null 2>&1 || curl -fsSL https://ollama.com/install.sh | sh"
			return in.run(ctx, cmd, in.deps.CommandTimeout)
		},
		func(ctx context.Context) error {
			// the upstream installer enables its own unit on the same port
			cmd := fmt.Sprintf("%ssystemctl disable --now ollama >/dev/null 2>&1 || true; mkdir -p %s",
				sudo, remote.Quote(in.path("models")))
			return in.run(ctx, cmd, 0)
		},
	)
}

// backend ships the API server sources and runs them from a virtualenv.
type backend struct {
	*unit
}

func newBackend(d Deps) Installer {
	b := &backend{unit: newUnit(d)}
	port := portOr(d, 8000)
	b.script = fmt.Sprintf("cd %s\nexec %s main:app --host 0.0.0.0 --port %d",
		remote.Quote(b.path("app")), remote.Quote(b.path("venv", "bin", "uvicorn")), port)
	b.health = fmt.Sprintf("curl -fsS -m 5 -o /dev/null http://127.0.0.1:%d/health", port)
	return b
}

func (b *backend) Install(ctx context.Context) error {
	return b.install(ctx,
		func(ctx context.Context) error {
			return installPackages(ctx, b.deps, PackageSet{
				"apt-get": {"python3", "python3-venv", "python3-pip"},
				"":        {"python3"},
			})
		},
		b.transfer("backend"),
		func(ctx context.Context) error {
			venv := remote.Quote(b.path("venv"))
			cmd := fmt.Sprintf("python3 -m venv %s && %s/bin/pip install -q -r %s",
				venv, venv, remote.Quote(b.path("app", "requirements.txt")))
			return b.run(ctx, cmd, b.deps.CommandTimeout)
		},
	)
}

// frontend ships the web UI sources and serves the production build.
type frontend struct {
	*unit
}

func newFrontend(d Deps) Installer {
	f := &frontend{unit: newUnit(d)}
	port := portOr(d, 3000)
	f.script = fmt.Sprintf("cd %s\nexport PORT=%d\nexec npm run start", remote.Quote(f.path("app")), port)
	f.health = fmt.Sprintf("curl -fsS -m 5 -o /dev/null http://127.0.0.1:%d/", port)
	return f
}

func (f *frontend) Install(ctx context.Context) error {
	return f.install(ctx,
		func(ctx context.Context) error {
			return installPackages(ctx, f.deps, PackageSet{"": {"nodejs", "npm"}})
		},
		f.transfer("frontend"),
		func(ctx context.Context) error {
			cmd := fmt.Sprintf("cd %s && npm ci --no-audit --no-fund && npm run build", remote.Quote(f.path("app")))
			return f.run(ctx, cmd, f.deps.CommandTimeout)
		},
	)
}

// generation runs ComfyUI. Outputs go to the shared mount when the node
// environment provides one.
type generation struct {
	*unit
}

func newGeneration(d Deps) Installer {
	g := &generation{unit: newUnit(d)}
	port := portOr(d, 8188)
	g.script = fmt.Sprintf("cd %s\nexec %s main.py --listen 0.0.0.0 --port %d --output-directory \"${SEED_OUTPUT_DIR:-%s}\"",
		remote.Quote(g.path("app")), remote.Quote(g.path("venv", "bin", "python")), port, g.path("output"))
	g.health = fmt.Sprintf("curl -fsS -m 5 -o /dev/null http://127.0.0.1:%d/system_stats", port)
	return g
}

func (g *generation) Install(ctx context.Context) error {
	return g.install(ctx,
		func(ctx context.Context) error {
			return installPackages(ctx, g.deps, PackageSet{
				"apt-get": {"git", "python3", "python3-venv", "python3-pip"},
				"":        {"git", "python3"},
			})
		},
		func(ctx context.Context) error {
			app := remote.Quote(g.path("app"))
			cmd := fmt.Sprintf("[ -d %s/.git ] || git clone --depth 1 %s %s", app, comfyRepository, app)
			return g.run(ctx, cmd, g.deps.CommandTimeout)
		},
		func(ctx context.Context) error {
			venv := remote.Quote(g.path("venv"))
			cmd := fmt.Sprintf("mkdir -p %s && python3 -m venv %s && %s/bin/pip install -q -r %s",
				remote.Quote(g.path("output")), venv, venv, remote.Quote(g.path("app", "requirements.txt")))
			return g.run(ctx, cmd, g.deps.CommandTimeout)
		},
	)
}

// transfer copies <source_dir>/<name> to <dir>/app.
func (u *unit) transfer(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if u.deps.SourceDir == "" {
			return ErrNoSource
		}
		src := filepath.Join(u.deps.SourceDir, name)
		return u.deps.Exec.TransferDirectory(ctx, u.target(), src, u.path("app"), u.deps.Excludes)
	}
}

func portOr(d Deps, fallback int) int {
	if d.Spec.Port > 0 {
		return d.Spec.Port
	}
	return fallback
}
