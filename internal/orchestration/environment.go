package orchestration

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"evalgo.org/seed/models"
)

// BuildEnvironment derives one environment per node from the plan. Each
// environment carries the node's role flags, the URL of every service in
// the deployment and the storage paths the node should use. The result is
// keyed by hostname and is what installers receive in Configure.
func BuildEnvironment(plan *models.DeploymentPlan, catalog models.Catalog) map[string]map[string]string {
	shared := serviceEndpoints(plan, catalog)
	shared["SEED_DEPLOYMENT_ID"] = plan.DeploymentID
	shared["SEED_DEPLOYMENT_MODE"] = string(plan.Mode)
	shared["SEED_INSTALL_ROOT"] = plan.InstallRoot
	shared["SEED_STORAGE_ENABLED"] = strconv.FormatBool(plan.Storage.Enabled)
	if plan.Storage.Enabled {
		shared["SEED_STORAGE_SERVER"] = plan.Storage.ServerIP
		shared["SEED_EXPORT_PATH"] = plan.Storage.ExportPath
		shared["SEED_MOUNT_PATH"] = plan.Storage.MountPath
	}

	envs := make(map[string]map[string]string, len(plan.Nodes))
	for _, node := range plan.Nodes {
		own := map[string]string{
			"SEED_NODE_HOSTNAME": node.Device.Hostname,
			"SEED_NODE_IP":       node.Device.Address(),
			"SEED_NODE_ROLES":    node.RoleNames(),
		}
		for _, role := range []models.Role{models.RoleMaster, models.RoleCompute, models.RoleStorage, models.RoleClient} {
			own["SEED_ROLE_"+toEnvName(string(role))] = strconv.FormatBool(node.HasRole(role))
		}
		sharedPath := sharedPathFor(plan, node)
		own["SEED_SHARED_PATH"] = sharedPath
		own["SEED_OUTPUT_DIR"] = path.Join(sharedPath, "outputs")

		envs[node.Device.Hostname] = mergeEnv(shared, own)
	}
	return envs
}

// serviceEndpoints maps each catalog service with a port to the URL other
// services reach it on. Services placed on several nodes get a comma
// separated list.
func serviceEndpoints(plan *models.DeploymentPlan, catalog models.Catalog) map[string]string {
	env := make(map[string]string)
	hosts := plan.ServiceHosts()
	for _, spec := range catalog {
		if spec.EnvKey == "" || spec.Port == 0 {
			continue
		}
		var urls []string
		for _, hostname := range hosts[spec.Name] {
			node := plan.Node(hostname)
			urls = append(urls, endpointURL(spec, node.Device.Address()))
		}
		if len(urls) > 0 {
			env[spec.EnvKey] = strings.Join(urls, ",")
		}
	}
	return env
}

func endpointURL(spec models.ServiceSpec, address string) string {
	if spec.Name == models.ServiceDatabase {
		return fmt.Sprintf("postgresql://seed@%s:%d/seed", address, spec.Port)
	}
	return fmt.Sprintf("http://%s:%d", address, spec.Port)
}

// sharedPathFor returns where shared data lives on node: the export on the
// storage server, the mount on its clients and a directory under the
// install root otherwise.
func sharedPathFor(plan *models.DeploymentPlan, node models.NodeAssignment) string {
	st := plan.Storage
	if st.Enabled {
		if node.Device.Hostname == st.ServerHost {
			return st.ExportPath
		}
		for _, c := range st.Clients {
			if c == node.Device.Hostname {
				return st.MountPath
			}
		}
	}
	return path.Join(plan.InstallRoot, "shared")
}

// toEnvName converts a name to environment variable form ("my-role" -> "MY_ROLE").
func toEnvName(name string) string {
	result := strings.ReplaceAll(name, "-", "_")
	result = strings.ReplaceAll(result, ".", "_")
	return strings.ToUpper(result)
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	result := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overlay {
		result[k] = v
	}
	return result
}
