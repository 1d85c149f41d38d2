package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/internal/validation"
	"evalgo.org/seed/models"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a deployment plan",
	Long: `Validate a deployment_plan.json document: field constraints, role
coverage, mandatory services and the shared storage layout.

Without a file the plan of --deployment-id (default: most recent) is checked.

Examples:
  seed validate
  seed validate ~/.seed/deployments/seed-20260301-093000-a1b2c3/deployment_plan.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment whose plan is validated")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return &ExitError{Code: ExitFailure, Err: fmt.Errorf("failed to read file: %w", err)}
		}
	} else {
		data, err = storedPlan(storage.New(cfg.OutputDir, logging.Discard()), deploymentID)
		if err != nil {
			return &ExitError{Code: ExitFailure, Err: err}
		}
	}

	result, err := validation.New(models.DefaultCatalog()).ValidatePlanJSON(data)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("validation error: %w", err)}
	}
	if !printValidation(cmd.OutOrStdout(), result) {
		return &ExitError{Code: ExitFailure, Err: errors.New("validation failed")}
	}
	return nil
}

func storedPlan(store *storage.Storage, id string) ([]byte, error) {
	if id == "" {
		latest, err := store.LatestDeployment()
		if err != nil {
			return nil, err
		}
		id = latest
	}
	return store.GetPlanDocument(id)
}

func printValidation(w io.Writer, result *validation.ValidationResult) bool {
	if result.Valid {
		fmt.Fprintln(w, "✓ Plan is valid")
		return true
	}

	fmt.Fprintln(w, "✗ Validation failed:")
	for _, e := range result.Errors {
		if e.Value != nil {
			fmt.Fprintf(w, "  - %s: %s (value: %v)\n", e.Field, e.Message, e.Value)
		} else {
			fmt.Fprintf(w, "  - %s: %s\n", e.Field, e.Message)
		}
	}
	return false
}
