package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowrunner/flowstudio/catalog"
)

// NewNodeTypesCmd creates the "node-types" subcommand.
func NewNodeTypesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node-types",
		Short: "List the built-in node templates",
		RunE:  runNodeTypes,
	}

	cmd.Flags().String("format", "text", "Output format: json | text")

	return cmd
}

func runNodeTypes(cmd *cobra.Command, _ []string) error {
	templates := catalog.New().All()
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(templates)
	case "text":
		for _, t := range templates {
			fmt.Fprintf(out, "%s (%s)\n", t.ID, t.Category)
			for _, p := range t.Inputs {
				required := ""
				if p.Required {
					required = " required"
				}
				fmt.Fprintf(out, "  in:  %s %s%s\n", p.ID, p.Type, required)
			}
			for _, p := range t.Outputs {
				fmt.Fprintf(out, "  out: %s %s\n", p.ID, p.Type)
			}
		}
		return nil
	default:
		return exitError(exitValidation, "unknown format %q (want json or text)", format)
	}
}
