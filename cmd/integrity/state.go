package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/integrity/pkg/client"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// State commands
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show or change the composite state of a node",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the node's state, forward progress and health reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := newClient(cmd)
		defer cancel()

		st, err := c.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get state: %v", err)
		}
		return render(cmd, st)
	},
}

// actionCommand builds the subcommand that applies one action
func actionCommand(use string, action types.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := newClient(cmd)
			defer cancel()

			resp, err := c.Apply(ctx, action)
			if resp != nil {
				if renderErr := render(cmd, resp); renderErr != nil {
					return renderErr
				}
			}
			if err != nil {
				return fmt.Errorf("%s failed: %v", use, err)
			}
			return nil
		},
	}
}

func init() {
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(actionCommand("lock", types.ActionLock, "Administratively lock the node"))
	stateCmd.AddCommand(actionCommand("unlock", types.ActionUnlock, "Administratively unlock the node"))
	stateCmd.AddCommand(actionCommand("promote", types.ActionPromote, "Promote the node to providing service"))
	stateCmd.AddCommand(actionCommand("demote", types.ActionDemote, "Demote the node to standby"))
	stateCmd.AddCommand(actionCommand("disable-failed", types.ActionDisableFailed, "Mark the node failed"))
	stateCmd.AddCommand(actionCommand("enable-not-failed", types.ActionEnableNotFailed, "Clear the node's failed mark"))
	stateCmd.AddCommand(actionCommand("disable-dependency", types.ActionDisableDependency, "Mark the node's dependencies failed"))
	stateCmd.AddCommand(actionCommand("enable-no-dependency", types.ActionEnableNoDependency, "Clear the node's dependency mark"))
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send a health report to the node",
	Long: `Send a health report on behalf of a reporter. A not-well report makes
the node fail its integrity check until the same reporter reports well again.

Examples:
  integrity report --reporter db-pool --well=false --message "pool exhausted"
  integrity report --reporter db-pool --message "recovered"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reporter, _ := cmd.Flags().GetString("reporter")
		well, _ := cmd.Flags().GetBool("well")
		message, _ := cmd.Flags().GetString("message")

		c, ctx, cancel := newClient(cmd)
		defer cancel()

		reports, err := c.Report(ctx, reporter, well, message)
		if err != nil {
			return fmt.Errorf("failed to send report: %v", err)
		}
		return render(cmd, reports)
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready",
	Short: "Show whether the node is ready to accept transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel := newClient(cmd)
		defer cancel()

		ready, err := c.Ready(ctx)
		if err != nil {
			return fmt.Errorf("failed to get readiness: %v", err)
		}
		if err := render(cmd, ready); err != nil {
			return err
		}
		if ready.Status != "ready" {
			return fmt.Errorf("node is %s", ready.Status)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("reporter", "", "Reporter id (required)")
	reportCmd.Flags().Bool("well", true, "Whether the reporter considers the node well")
	reportCmd.Flags().String("message", "", "Report message (required)")
	_ = reportCmd.MarkFlagRequired("reporter")
	_ = reportCmd.MarkFlagRequired("message")
}

func newClient(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc) {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c := client.NewClient(addr, timeout)
	if timeout <= 0 {
		timeout = client.DefaultTimeout
	}
	// leave room for the client's retries
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*timeout+time.Second)
	return c, ctx, cancel
}

func render(cmd *cobra.Command, v any) error {
	format, _ := cmd.Flags().GetString("output")
	return writeOutput(cmd.OutOrStdout(), format, v)
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported output format %q (use yaml or json)", format)
	}
}
