package orchestration

import (
	"log/slog"
	"sync"
	"time"

	"evalgo.org/seed/models"
)

// unitTracker records the state of every node x service unit. Nodes install
// concurrently, so every access goes through the mutex.
type unitTracker struct {
	mu     sync.Mutex
	order  []string
	units  map[string]*models.UnitResult
	logger *slog.Logger
	now    func() time.Time
}

func unitKey(node, service string) string {
	return node + "/" + service
}

func newUnitTracker(plan *models.DeploymentPlan, logger *slog.Logger, now func() time.Time) *unitTracker {
	t := &unitTracker{
		units:  make(map[string]*models.UnitResult),
		logger: logger,
		now:    now,
	}
	for _, node := range plan.Nodes {
		for _, svc := range node.Services {
			key := unitKey(node.Device.Hostname, svc)
			t.order = append(t.order, key)
			t.units[key] = &models.UnitResult{
				Node:    node.Device.Hostname,
				Service: svc,
				State:   models.UnitPending,
			}
		}
	}
	return t
}

// transition moves a unit to state. Terminal units do not move again.
func (t *unitTracker) transition(node, service string, state models.UnitState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.units[unitKey(node, service)]
	if !ok || u.State.Terminal() {
		return
	}
	now := t.now()
	if u.StartedAt == nil {
		u.StartedAt = &now
	}
	u.State = state
	if state.Terminal() {
		u.FinishedAt = &now
	}
	t.logger.Debug("unit state", "node", node, "service", service, "state", state)
}

func (t *unitTracker) ready(node, service string) {
	t.transition(node, service, models.UnitReady)
	t.logger.Info("service ready", "node", node, "service", service)
}

func (t *unitTracker) fail(node, service, reason string, manual bool) {
	t.transition(node, service, models.UnitFailed)

	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.units[unitKey(node, service)]
	if !ok || u.State != models.UnitFailed || u.Reason != "" {
		return
	}
	u.Reason = reason
	u.ManualIntervention = manual
	t.logger.Error("service failed", "node", node, "service", service, "reason", reason, "manual_intervention", manual)
}

func (t *unitTracker) state(node, service string) models.UnitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.units[unitKey(node, service)]; ok {
		return u.State
	}
	return ""
}

// results returns a copy of every unit in plan order.
func (t *unitTracker) results() []models.UnitResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.UnitResult, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.units[key])
	}
	return out
}
