package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/seed/models"
)

func TestBuildEnvironmentMulti(t *testing.T) {
	plan, err := testAssigner().Assign(testScorer().Apply(scenarioB()), models.ModeMulti)
	require.NoError(t, err)

	envs := BuildEnvironment(plan, models.DefaultCatalog())
	require.Len(t, envs, 3)

	d1 := envs["d1"]
	assert.Equal(t, "true", d1["SEED_ROLE_MASTER"])
	assert.Equal(t, "true", d1["SEED_ROLE_COMPUTE"])
	assert.Equal(t, "false", d1["SEED_ROLE_STORAGE"])
	assert.Equal(t, "true", d1["SEED_ROLE_CLIENT"])
	assert.Equal(t, "postgresql://seed@10.0.0.1:5432/seed", d1["DATABASE_URL"])
	assert.Equal(t, "http://10.0.0.1:11434", d1["INFERENCE_URL"])
	assert.Equal(t, "http://10.0.0.1:8188", d1["GENERATION_URLS"])
	assert.Equal(t, "/mnt/seed", d1["SEED_SHARED_PATH"])
	assert.Equal(t, "/mnt/seed/outputs", d1["SEED_OUTPUT_DIR"])
	assert.Equal(t, plan.DeploymentID, d1["SEED_DEPLOYMENT_ID"])

	d2 := envs["d2"]
	assert.Equal(t, "true", d2["SEED_ROLE_STORAGE"])
	assert.Equal(t, "/srv/seed/shared", d2["SEED_SHARED_PATH"])
	assert.Equal(t, "10.0.0.2", d2["SEED_STORAGE_SERVER"])
	assert.Equal(t, d1["BACKEND_URL"], d2["BACKEND_URL"], "every node sees the same service endpoints")
	assert.Equal(t, "10.0.0.2", d2["SEED_NODE_IP"])
	assert.Equal(t, "storage,client", d2["SEED_NODE_ROLES"])
}

func TestBuildEnvironmentSingle(t *testing.T) {
	plan, err := testAssigner().Assign(testScorer().Apply([]models.DeviceCapabilities{
		linuxDevice("solo", "10.0.0.9", 8, 16, 0, 200),
	}), models.ModeSingle)
	require.NoError(t, err)

	env := BuildEnvironment(plan, models.DefaultCatalog())["solo"]
	for _, key := range []string{"SEED_ROLE_MASTER", "SEED_ROLE_COMPUTE", "SEED_ROLE_STORAGE", "SEED_ROLE_CLIENT"} {
		assert.Equal(t, "true", env[key], key)
	}
	assert.Equal(t, "false", env["SEED_STORAGE_ENABLED"])
	assert.Equal(t, "/opt/seed/shared", env["SEED_SHARED_PATH"])
	assert.NotContains(t, env, "SEED_MOUNT_PATH")
}

func TestToEnvName(t *testing.T) {
	assert.Equal(t, "MY_SERVICE", toEnvName("my-service"))
	assert.Equal(t, "A_B", toEnvName("a.b"))
}

func TestMergeEnv(t *testing.T) {
	merged := mergeEnv(map[string]string{"A": "1", "B": "2"}, map[string]string{"B": "3"})
	assert.Equal(t, map[string]string{"A": "1", "B": "3"}, merged)
}
