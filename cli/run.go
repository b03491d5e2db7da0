package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowrunner/flowstudio/catalog"
	"github.com/flowrunner/flowstudio/core"
	"github.com/flowrunner/flowstudio/engine"
	"github.com/flowrunner/flowstudio/llmclient"
	"github.com/flowrunner/flowstudio/loader"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a flow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial input text for the flow")
	cmd.Flags().String("format", "text", "Output format: json | text")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().Bool("dry-run", false, "Validate only, do not execute")
	cmd.Flags().String("provider", "", "LLM provider for model nodes (e.g. openai, anthropic, ollama)")
	cmd.Flags().String("api-key", "", "Provider API key (or set FLOWSTUDIO_API_KEY)")
	cmd.Flags().Bool("events", false, "Print run events to stderr as they happen")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	cat := catalog.New()

	g, err := loader.LoadFlow(filePath, cat)
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) || os.IsNotExist(err) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitValidation, "%v", err)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "Flow is valid.")
		return nil
	}

	invoker, err := resolveInvoker(cmd)
	if err != nil {
		return err
	}

	var handler engine.EventHandler
	if printEvents, _ := cmd.Flags().GetBool("events"); printEvents {
		errOut := cmd.ErrOrStderr()
		handler = func(e engine.Event) {
			fmt.Fprintf(errOut, "%s %s %s\n", e.Time.Format(time.RFC3339), e.Kind, e.NodeID)
		}
	}

	eng := engine.New(engine.Config{
		Catalog:      cat,
		Invoker:      invoker,
		EventHandler: handler,
	})

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	input, _ := cmd.Flags().GetString("input")
	trace, err := eng.Execute(ctx, g.Snapshot(), input)
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}

	if err := writeTrace(cmd, trace); err != nil {
		return err
	}

	switch {
	case trace.Cancelled:
		return exitError(exitTimeout, "run cancelled before completion")
	case trace.Failed():
		return exitError(exitRuntime, "run failed: %s", trace.LastStep().Error)
	default:
		return nil
	}
}

// resolveInvoker builds the LLM capability from the provider flags. With
// no provider configured the flow runs without a model backend, and any
// model node fails at execution time.
func resolveInvoker(cmd *cobra.Command) (core.LLMInvoker, error) {
	provider, _ := cmd.Flags().GetString("provider")
	if strings.TrimSpace(provider) == "" {
		return nil, nil
	}

	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("FLOWSTUDIO_API_KEY")
	}

	invoker, err := llmclient.New(provider, apiKey)
	if err != nil {
		return nil, exitError(exitProvider, "configuring provider: %v", err)
	}
	return invoker, nil
}

func writeTrace(cmd *cobra.Command, trace *core.Trace) error {
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(trace)
	case "text":
		fmt.Fprintln(out, trace.Output)
		return nil
	default:
		return exitError(exitValidation, "unknown format %q (want json or text)", format)
	}
}
