package models

import (
	"sort"
	"strings"
	"time"
)

// Role is a responsibility a node holds inside a deployment. A node may hold
// several roles at once.
type Role string

const (
	RoleMaster  Role = "master"
	RoleCompute Role = "compute"
	RoleStorage Role = "storage"
	RoleClient  Role = "client"

	// RoleAll is used only in single-device mode, where one device hosts everything.
	RoleAll Role = "all"
)

// Covers reports whether a node holding r satisfies a requirement for other.
func (r Role) Covers(other Role) bool {
	return r == RoleAll || r == other
}

// DeploymentMode distinguishes single-device installs from cluster installs.
type DeploymentMode string

const (
	ModeSingle DeploymentMode = "single"
	ModeMulti  DeploymentMode = "multi"
)

// NodeAssignment binds a device to the roles it holds and the services it runs.
type NodeAssignment struct {
	// Device is the capability snapshot the assignment was made from
	Device DeviceCapabilities `json:"device"`

	// Roles held by the node
	Roles []Role `json:"roles" validate:"required,min=1,dive,oneof=master compute storage client all"`

	// Services installed on the node, in install order
	Services []string `json:"services"`
}

// HasRole reports whether the node holds role, directly or through RoleAll.
func (n NodeAssignment) HasRole(role Role) bool {
	for _, r := range n.Roles {
		if r.Covers(role) {
			return true
		}
	}
	return false
}

// RoleNames returns the node's roles as a comma separated list.
func (n NodeAssignment) RoleNames() string {
	names := make([]string, len(n.Roles))
	for i, r := range n.Roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}

// StorageConfig describes the shared network export set up in the storage phase.
type StorageConfig struct {
	// Enabled is false in single-device mode
	Enabled bool `json:"enabled"`

	// ServerHost is the hostname of the node exporting the share
	ServerHost string `json:"server_host,omitempty"`

	// ServerIP is the address clients mount from
	ServerIP string `json:"server_ip,omitempty"`

	// ExportPath is the exported directory on the storage node
	ExportPath string `json:"export_path" validate:"required"`

	// MountPath is where dependent nodes mount the share
	MountPath string `json:"mount_path" validate:"required"`

	// Clients are the hostnames that mount the share
	Clients []string `json:"clients,omitempty"`
}

// DeploymentPlan is the node -> role -> service assignment produced before any
// installation starts. A plan is persisted once as part of the deployment
// artifact and never modified afterwards; a re-deploy produces a new plan with
// a new DeploymentID.
type DeploymentPlan struct {
	// DeploymentID is unique and derived from the creation timestamp
	DeploymentID string `json:"deployment_id" validate:"required"`

	// Mode is single or multi
	Mode DeploymentMode `json:"mode" validate:"required,oneof=single multi"`

	// Nodes holds one assignment per participating device
	Nodes []NodeAssignment `json:"nodes" validate:"required,min=1,dive"`

	// Storage is the shared storage layout
	Storage StorageConfig `json:"storage_config"`

	// InstallRoot is the directory every service installs beneath on every node
	InstallRoot string `json:"install_root" validate:"required"`

	// Warnings collected while planning (below-minimum hardware, fallbacks)
	Warnings []string `json:"warnings,omitempty"`

	// CreatedAt is when the plan was produced
	CreatedAt time.Time `json:"created_at"`
}

// Master returns the node holding the master role (or RoleAll), or nil.
func (p *DeploymentPlan) Master() *NodeAssignment {
	for i := range p.Nodes {
		if p.Nodes[i].HasRole(RoleMaster) {
			return &p.Nodes[i]
		}
	}
	return nil
}

// Node returns the assignment for hostname, or nil.
func (p *DeploymentPlan) Node(hostname string) *NodeAssignment {
	for i := range p.Nodes {
		if p.Nodes[i].Device.Hostname == hostname {
			return &p.Nodes[i]
		}
	}
	return nil
}

// NodesWithRole returns every node holding role.
func (p *DeploymentPlan) NodesWithRole(role Role) []NodeAssignment {
	var out []NodeAssignment
	for _, n := range p.Nodes {
		if n.HasRole(role) {
			out = append(out, n)
		}
	}
	return out
}

// ServiceHosts maps each service name to the hostnames it is assigned to.
func (p *DeploymentPlan) ServiceHosts() map[string][]string {
	hosts := make(map[string][]string)
	for _, n := range p.Nodes {
		for _, svc := range n.Services {
			hosts[svc] = append(hosts[svc], n.Device.Hostname)
		}
	}
	for svc := range hosts {
		sort.Strings(hosts[svc])
	}
	return hosts
}
