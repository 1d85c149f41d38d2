// Package storage persists deployment artifacts on the controller.
//
// Layout under the output directory:
//
//	deployments/<deployment_id>/deployment_plan.json
//	deployments/<deployment_id>/<hostname>.env
//	deployments/<deployment_id>/deployment_report.json
//
// An artifact is write-once. The plan and every environment file are staged
// in a temporary directory and renamed into place together, so a deployment
// directory either holds the complete artifact or does not exist. Re-deploying
// produces a new deployment ID and a new directory.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"evalgo.org/seed/models"
)

const (
	deploymentsDir = "deployments"
	planFile       = "deployment_plan.json"
	reportFile     = "deployment_report.json"
	envSuffix      = ".env"
)

var (
	// ErrDeploymentExists is returned when an artifact for the ID was already written.
	ErrDeploymentExists = errors.New("storage: deployment already exists")

	// ErrDeploymentNotFound is returned when no artifact exists for the ID.
	ErrDeploymentNotFound = errors.New("storage: deployment not found")

	// ErrNoDeployments is returned by LatestDeployment when nothing was deployed yet.
	ErrNoDeployments = errors.New("storage: no deployments recorded")
)

// Storage reads and writes deployment artifacts below a root directory.
type Storage struct {
	root   string
	logger *slog.Logger
}

// New creates a Storage rooted at dir (normally the configured output directory).
func New(dir string, logger *slog.Logger) *Storage {
	return &Storage{root: filepath.Join(dir, deploymentsDir), logger: logger}
}

// DeploymentDir returns the directory holding the artifact for id.
func (s *Storage) DeploymentDir(id string) string {
	return filepath.Join(s.root, id)
}

// SaveDeployment writes the plan and one environment file per node as a
// single write-once artifact.
func (s *Storage) SaveDeployment(plan *models.DeploymentPlan, envs map[string]map[string]string) error {
	if err := checkID(plan.DeploymentID); err != nil {
		return err
	}
	final := s.DeploymentDir(plan.DeploymentID)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w: %s", ErrDeploymentExists, plan.DeploymentID)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create deployments directory: %w", err)
	}
	staging, err := os.MkdirTemp(s.root, "."+plan.DeploymentID+"-")
	if err != nil {
		return fmt.Errorf("failed to stage deployment: %w", err)
	}
	defer os.RemoveAll(staging)

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := writeNew(filepath.Join(staging, planFile), append(data, '\n'), 0o644); err != nil {
		return err
	}

	for _, node := range plan.Nodes {
		host := node.Device.Hostname
		env, ok := envs[host]
		if !ok {
			return fmt.Errorf("no environment generated for node %s", host)
		}
		content, err := encodeEnv(plan.DeploymentID, host, env)
		if err != nil {
			return fmt.Errorf("failed to encode environment for %s: %w", host, err)
		}
		if err := writeNew(filepath.Join(staging, envFileName(host)), []byte(content), 0o600); err != nil {
			return err
		}
	}

	if err := os.Chmod(staging, 0o755); err != nil {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		if errors.Is(err, os.ErrExist) || isNotEmpty(err) {
			return fmt.Errorf("%w: %s", ErrDeploymentExists, plan.DeploymentID)
		}
		return fmt.Errorf("failed to publish deployment: %w", err)
	}

	s.logger.Info("deployment artifact written", "deployment_id", plan.DeploymentID, "dir", final, "nodes", len(plan.Nodes))
	return nil
}

// GetDeploymentPlan loads the plan recorded for id.
func (s *Storage) GetDeploymentPlan(id string) (*models.DeploymentPlan, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.DeploymentDir(id), planFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var plan models.DeploymentPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
	}
	return &plan, nil
}

// GetPlanDocument returns the raw plan JSON for id.
func (s *Storage) GetPlanDocument(id string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.DeploymentDir(id), planFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, id)
	}
	return data, err
}

// GetNodeEnv loads the environment file of one node.
func (s *Storage) GetNodeEnv(id, hostname string) (map[string]string, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.DeploymentDir(id), envFileName(hostname)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDeploymentNotFound, id, hostname)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeEnv(f)
}

// GetNodeEnvDocument returns the raw environment file of one node, as shipped
// to that node during installation.
func (s *Storage) GetNodeEnvDocument(id, hostname string) ([]byte, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(s.DeploymentDir(id), envFileName(hostname)))
}

// SaveDeploymentReport writes the end-of-run report beside the plan. The
// report is written once; the plan is never touched.
func (s *Storage) SaveDeploymentReport(report *models.DeploymentReport) error {
	if err := checkID(report.DeploymentID); err != nil {
		return err
	}
	dir := s.DeploymentDir(report.DeploymentID)
	if _, err := os.Stat(filepath.Join(dir, planFile)); err != nil {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, report.DeploymentID)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := writeNew(filepath.Join(dir, reportFile), append(data, '\n'), 0o644); err != nil {
		return err
	}
	s.logger.Debug("deployment report written", "deployment_id", report.DeploymentID)
	return nil
}

// GetDeploymentReport loads the report for id.
func (s *Storage) GetDeploymentReport(id string) (*models.DeploymentReport, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.DeploymentDir(id), reportFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: report for %s", ErrDeploymentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var report models.DeploymentReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", id, err)
	}
	return &report, nil
}

// ListDeployments returns every recorded deployment ID, newest first. IDs
// embed a UTC timestamp, so lexical order is chronological.
func (s *Storage) ListDeployments() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), planFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// LatestDeployment returns the newest deployment ID.
func (s *Storage) LatestDeployment() (string, error) {
	ids, err := s.ListDeployments()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoDeployments
	}
	return ids[0], nil
}

func envFileName(hostname string) string {
	return hostname + envSuffix
}

// checkID keeps IDs from escaping the deployments directory.
func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid deployment id %q", id)
	}
	return nil
}

func writeNew(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDeploymentExists, path)
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func isNotEmpty(err error) bool {
	return strings.Contains(err.Error(), "directory not empty") || strings.Contains(err.Error(), "file exists")
}
