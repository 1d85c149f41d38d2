package models

import (
	"fmt"
	"sort"
)

// Service names known to the platform.
const (
	ServiceDatabase   = "database"
	ServiceInference  = "inference"
	ServiceBackend    = "backend"
	ServiceFrontend   = "frontend"
	ServiceGeneration = "generation"
	ServiceMedia      = "media"
)

// ServiceSpec describes one installable service and where it may run.
type ServiceSpec struct {
	// Name is the registry key of the service installer
	Name string `json:"name"`

	// Roles lists the roles that receive this service
	Roles []Role `json:"roles"`

	// DependsOn lists services that must be installed first on the same node
	DependsOn []string `json:"depends_on,omitempty"`

	// Mandatory services must be assigned to at least one node for a plan to be valid
	Mandatory bool `json:"mandatory"`

	// Unit is the process-supervisor unit managing the service (empty for tool-only services)
	Unit string `json:"unit,omitempty"`

	// Port is the TCP port the service listens on (0 for none)
	Port int `json:"port,omitempty"`

	// EnvKey is the environment variable other services read the service URL from
	EnvKey string `json:"env_key,omitempty"`
}

// Catalog is the static role -> service table.
type Catalog []ServiceSpec

// DefaultCatalog returns the services of the media platform.
func DefaultCatalog() Catalog {
	return Catalog{
		{Name: ServiceDatabase, Roles: []Role{RoleMaster}, Mandatory: true, Unit: "seed-database", Port: 5432, EnvKey: "DATABASE_URL"},
		{Name: ServiceInference, Roles: []Role{RoleMaster}, Mandatory: true, Unit: "seed-inference", Port: 11434, EnvKey: "INFERENCE_URL"},
		{Name: ServiceBackend, Roles: []Role{RoleMaster}, DependsOn: []string{ServiceDatabase, ServiceInference}, Mandatory: true, Unit: "seed-backend", Port: 8000, EnvKey: "BACKEND_URL"},
		{Name: ServiceFrontend, Roles: []Role{RoleMaster}, DependsOn: []string{ServiceBackend}, Mandatory: true, Unit: "seed-frontend", Port: 3000, EnvKey: "FRONTEND_URL"},
		{Name: ServiceGeneration, Roles: []Role{RoleCompute}, Mandatory: true, Unit: "seed-generation", Port: 8188, EnvKey: "GENERATION_URLS"},
		{Name: ServiceMedia, Roles: []Role{RoleClient}},
	}
}

// Get returns the ServiceSpec named name.
func (c Catalog) Get(name string) (ServiceSpec, bool) {
	for _, s := range c {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceSpec{}, false
}

// ServicesFor returns the services a node holding roles receives, in install order.
func (c Catalog) ServicesFor(roles []Role) []string {
	var names []string
	for _, spec := range c {
		if spec.assignedTo(roles) {
			names = append(names, spec.Name)
		}
	}
	ordered, err := c.InstallOrder(names)
	if err != nil {
		// the static catalog is acyclic
		return names
	}
	return ordered
}

func (s ServiceSpec) assignedTo(roles []Role) bool {
	for _, held := range roles {
		for _, want := range s.Roles {
			if held.Covers(want) {
				return true
			}
		}
	}
	return false
}

// InstallOrder orders names so every service follows the services it depends
// on. Dependencies outside names are ignored. Ties keep catalog order so the
// result is deterministic.
func (c Catalog) InstallOrder(names []string) ([]string, error) {
	selected := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := c.Get(n); !ok {
			return nil, fmt.Errorf("unknown service %q", n)
		}
		selected[n] = true
	}

	position := make(map[string]int, len(c))
	for i, s := range c {
		position[s.Name] = i
	}

	// Kahn's algorithm over the selected subgraph
	inDegree := make(map[string]int, len(selected))
	dependents := make(map[string][]string)
	for n := range selected {
		spec, _ := c.Get(n)
		for _, dep := range spec.DependsOn {
			if !selected[dep] {
				continue
			}
			inDegree[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var queue []string
	for n := range selected {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	ordered := make([]string, 0, len(selected))
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool { return position[queue[i]] < position[queue[j]] })
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, current)
		for _, d := range dependents[current] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	if len(ordered) != len(selected) {
		return nil, fmt.Errorf("circular service dependency among %v", names)
	}
	return ordered, nil
}

// Reverse returns a reversed copy of names, used for teardown.
func Reverse(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}
