package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/graph"
	"github.com/flowrunner/flowstudio/loader"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a flow file against the node catalog",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	if _, err := loader.LoadFlow(filePath, catalog.New()); err != nil {
		if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		var rej *graph.Rejection
		if errors.As(err, &rej) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", rej.Code, rej.Message)
			return exitError(exitValidation, "validation failed")
		}
		return exitError(exitValidation, "%v", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Flow is valid.")
	return nil
}
