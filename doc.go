// Package seed deploys a self-hosted AI media platform across the machines
// of a local network.
//
// # Overview
//
// Seed turns a handful of heterogeneous devices into one platform: it finds
// the devices on the LAN, measures what each one can do, decides which
// device hosts which part of the platform and installs every service over
// SSH, rolling back whatever fails.
//
// A run moves through six phases:
//   - P0 Discovery: local detection, network scan, concurrent remote probes
//   - P1 Planning: capability scoring, role election, plan validation
//   - P2 Shared storage: NFS export on the storage node, mounts on the others
//   - P3 Configuration: per-node environment and the write-once artifact
//   - P4 Installation: per-node install in dependency order, nodes in parallel
//   - P5 Verification: health checks and the deployment report
//
// # Architecture
//
//	┌─────────────────┐
//	│  seed CLI       │  cobra + viper
//	└────────┬────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  Orchestrator   │◄──────┤  Profiler       │
//	│  (P0..P5)       │       │  Scanner/Scorer │
//	└────────┬────────┘       └─────────────────┘
//	         │
//	┌────────▼────────┐       ┌─────────────────┐
//	│  Installers     │──────►│  SSH manager    │
//	│  (systemd)      │       │  (x/crypto/ssh) │
//	└─────────────────┘       └─────────────────┘
//
// # Roles and Services
//
// MASTER hosts the database, inference, backend and frontend services.
// COMPUTE hosts image generation. STORAGE exports the shared directory.
// CLIENT, held by every reachable device, carries the media toolchain. In
// single-device mode one machine holds every role.
//
// # Usage
//
// Deploy across the local /24:
//
//	seed
//
// Deploy to explicit devices without scanning:
//
//	seed --ips 192.168.1.20,192.168.1.21 --skip-scan
//
// Install everything on this machine:
//
//	seed --single-device
//
// Manage the most recent deployment:
//
//	seed --status
//	seed --restart
//	seed --uninstall --yes
//
// Exit codes are 0 on success, 1 when planning or validation fails, 2 when
// some units failed and 3 when the run was aborted.
//
// # Configuration
//
// Configuration can be provided via:
//   - YAML file (./seed.yaml, ~/.seed/seed.yaml, /etc/seed/seed.yaml)
//   - Environment variables (SEED_ prefix)
//   - Command line flags
//
// Example configuration:
//
//	roles:
//	  compute_min_vram_gb: 8
//	install:
//	  root: /opt/seed
//	  source_dir: ./platform
//	storage:
//	  export_path: /srv/seed/shared
//	  mount_path: /mnt/seed
//
// # Development
//
// Run tests:
//
//	go test ./...
//
// Build the binary:
//
//	go build -o seed ./cmd/seed
package seed
