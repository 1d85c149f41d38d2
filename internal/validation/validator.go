// Package validation checks deployment plans before anything is installed.
//
// A plan is validated in two passes:
//   - go-playground/validator enforces the struct tags on the plan models
//     (required fields, role names, non-negative capacities)
//   - plan rules enforce what tags cannot express: exactly one master (or a
//     single all-role device in single-device mode), every mandatory service
//     assigned to at least one node, unique hostnames, known services and an
//     install order that respects dependencies
//
// # Usage Example
//
//	v := validation.New(models.DefaultCatalog())
//	result := v.ValidatePlan(plan)
//	if !result.Valid {
//	    for _, e := range result.Errors {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
//	if err := result.Err(); err != nil {
//	    return err // wraps ErrPlanInvalid
//	}
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/seed/models"
)

// ErrPlanInvalid is returned for a plan that cannot be executed.
var ErrPlanInvalid = errors.New("deployment plan invalid")

// Validator handles deployment plan validation.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate

	// catalog is the static service table plans are checked against
	catalog models.Catalog
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the path of the offending field
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise an error wrapping
// ErrPlanInvalid that lists every problem.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return fmt.Errorf("%w: %s", ErrPlanInvalid, strings.Join(msgs, "; "))
}

// New creates a Validator for plans built from catalog.
func New(catalog models.Catalog) *Validator {
	return &Validator{
		structValidator: validator.New(),
		catalog:         catalog,
	}
}

// ValidatePlanJSON validates a persisted deployment_plan.json document.
func (v *Validator) ValidatePlanJSON(data []byte) (*ValidationResult, error) {
	var plan models.DeploymentPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "document",
					Message: fmt.Sprintf("Invalid JSON: %v", err),
				},
			},
		}, nil
	}
	return v.ValidatePlan(&plan), nil
}

// ValidatePlan runs struct and plan-rule validation.
func (v *Validator) ValidatePlan(plan *models.DeploymentPlan) *ValidationResult {
	var errs []ValidationError
	if plan == nil {
		errs = append(errs, ValidationError{Field: "plan", Message: "Plan is required"})
		return &ValidationResult{Valid: false, Errors: errs}
	}

	errs = append(errs, v.validateStruct(plan)...)
	errs = append(errs, v.validateRoles(plan)...)
	errs = append(errs, v.validateServices(plan)...)
	errs = append(errs, v.validateStorage(plan)...)

	return &ValidationResult{
		Valid:  len(errs) == 0,
		Errors: errs,
	}
}

func (v *Validator) validateStruct(plan *models.DeploymentPlan) []ValidationError {
	var errs []ValidationError

	err := v.structValidator.Struct(plan)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: "plan", Message: err.Error()}}
	}
	for _, fe := range fieldErrs {
		errs = append(errs, ValidationError{
			Field:   strings.TrimPrefix(fe.Namespace(), "DeploymentPlan."),
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
			Value:   fe.Value(),
		})
	}
	return errs
}

// validateRoles enforces the single-leader rule and hostname uniqueness.
func (v *Validator) validateRoles(plan *models.DeploymentPlan) []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool, len(plan.Nodes))
	masters := 0
	allRole := 0
	for i, n := range plan.Nodes {
		host := n.Device.Hostname
		if seen[host] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("nodes[%d].device.hostname", i),
				Message: "Hostname must be unique within a plan",
				Value:   host,
			})
		}
		seen[host] = true

		for _, r := range n.Roles {
			switch r {
			case models.RoleMaster:
				masters++
			case models.RoleAll:
				allRole++
			}
		}
	}

	switch plan.Mode {
	case models.ModeSingle:
		if len(plan.Nodes) != 1 || allRole != 1 || masters != 0 {
			errs = append(errs, ValidationError{
				Field:   "nodes",
				Message: "Single-device plans hold exactly one node with the all role",
			})
		}
	case models.ModeMulti:
		if allRole > 0 {
			errs = append(errs, ValidationError{
				Field:   "nodes",
				Message: "The all role is reserved for single-device plans",
			})
		}
		if masters != 1 {
			errs = append(errs, ValidationError{
				Field:   "nodes",
				Message: "Exactly one node must hold the master role",
				Value:   masters,
			})
		}
	}
	return errs
}

// validateServices checks that services are known, placed on nodes whose
// roles receive them, listed in dependency order, and that every mandatory
// service is assigned somewhere.
func (v *Validator) validateServices(plan *models.DeploymentPlan) []ValidationError {
	var errs []ValidationError

	assigned := make(map[string]bool)
	for i, n := range plan.Nodes {
		for _, svc := range n.Services {
			spec, ok := v.catalog.Get(svc)
			if !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("nodes[%d].services", i),
					Message: "Unknown service",
					Value:   svc,
				})
				continue
			}
			assigned[svc] = true
			if !holdsAny(n, spec.Roles) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("nodes[%d].services", i),
					Message: fmt.Sprintf("Service %s requires one of the roles %v", svc, spec.Roles),
					Value:   n.RoleNames(),
				})
			}
		}

		ordered, err := v.catalog.InstallOrder(n.Services)
		if err != nil {
			continue
		}
		if strings.Join(ordered, ",") != strings.Join(n.Services, ",") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("nodes[%d].services", i),
				Message: fmt.Sprintf("Services must be listed in install order %v", ordered),
				Value:   n.Services,
			})
		}
	}

	for _, spec := range v.catalog {
		if spec.Mandatory && !assigned[spec.Name] {
			errs = append(errs, ValidationError{
				Field:   "services",
				Message: fmt.Sprintf("Mandatory service %s is not assigned to any node", spec.Name),
				Value:   spec.Name,
			})
		}
	}
	return errs
}

func (v *Validator) validateStorage(plan *models.DeploymentPlan) []ValidationError {
	var errs []ValidationError

	if !path.IsAbs(plan.InstallRoot) || path.Clean(plan.InstallRoot) == "/" {
		errs = append(errs, ValidationError{
			Field:   "install_root",
			Message: "Install root must be an absolute path below /",
			Value:   plan.InstallRoot,
		})
	}

	st := plan.Storage
	if !st.Enabled {
		return errs
	}
	if plan.Node(st.ServerHost) == nil {
		errs = append(errs, ValidationError{
			Field:   "storage_config.server_host",
			Message: "Storage server must be a node of the plan",
			Value:   st.ServerHost,
		})
	}
	for _, p := range []string{st.ExportPath, st.MountPath} {
		if !path.IsAbs(p) {
			errs = append(errs, ValidationError{
				Field:   "storage_config",
				Message: "Storage paths must be absolute",
				Value:   p,
			})
		}
	}
	for _, c := range st.Clients {
		if plan.Node(c) == nil {
			errs = append(errs, ValidationError{
				Field:   "storage_config.clients",
				Message: "Storage client must be a node of the plan",
				Value:   c,
			})
		}
	}
	return errs
}

func holdsAny(n models.NodeAssignment, roles []models.Role) bool {
	for _, r := range roles {
		if n.HasRole(r) {
			return true
		}
	}
	return false
}
