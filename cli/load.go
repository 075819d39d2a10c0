package cli

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/petal-labs/reflow/graph"
	"github.com/petal-labs/reflow/hydrate"
	"github.com/petal-labs/reflow/loader"
	"github.com/petal-labs/reflow/registry"
)

// loadDefinition loads and fully validates a definition, printing any
// diagnostics to stderr. Errors are returned as *ExitError.
func loadDefinition(cmd *cobra.Command, filePath string) (*graph.Definition, error) {
	def, _, err := loader.LoadUnvalidated(filePath)
	if err != nil {
		return nil, loadError(filePath, err)
	}

	diags := validateDefinition(def)
	if graph.HasErrors(diags) {
		printDiagnosticsText(cmd.ErrOrStderr(), diags)
		return nil, exitError(exitValidation, "validation failed")
	}
	return def, nil
}

// validateDefinition runs structural validation and the node kind check.
func validateDefinition(def *graph.Definition) []graph.Diagnostic {
	diags := def.Validate()
	return append(diags, def.ValidateKinds(knownKinds().Known)...)
}

// knownKinds returns a factory that knows every kind a definition may use.
// Its llm builder is a dry-run placeholder and must not be used to run.
func knownKinds() *registry.Factory {
	f := registry.NewFactory()
	hydrate.RegisterDryRun(f, nil)
	return f
}

func loadError(filePath string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return exitError(exitFileNotFound, "file not found: %s", filePath)
	case errors.Is(err, loader.ErrParse):
		return exitError(exitValidation, "%v", err)
	default:
		return exitError(exitRuntime, "%v", err)
	}
}
