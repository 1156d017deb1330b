package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mhrivnak/vmorch/pkg/app"
	"github.com/mhrivnak/vmorch/pkg/config"
	"github.com/mhrivnak/vmorch/pkg/controllers"
	"github.com/mhrivnak/vmorch/pkg/output"
)

var (
	version = "dev"

	outputFormat string
	noHeaders    bool
	sortOrder    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vm-admin",
	Short: "Administrative commands for the VM orchestration service",
	Long: `vm-admin reads the same configuration and database as the API server.

It lists disks and VMs and can run a single status reconcile pass against
the configured hypervisor.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "Omit table headers")

	listDisksCmd.Flags().StringVar(&sortOrder, "sort", "", "Sort expression, e.g. name or -created_at")
	listVMsCmd.Flags().StringVar(&sortOrder, "sort", "", "Sort expression, e.g. name or -created_at")
	reconcileCmd.Flags().Bool("startup", false, "Also resolve VMs stuck in starting or stopping")

	rootCmd.AddCommand(listDisksCmd)
	rootCmd.AddCommand(listVMsCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var listDisksCmd = &cobra.Command{
	Use:   "list-disks",
	Short: "List registered disks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App, f output.Formatter) error {
			disks, err := a.Disks.ListDisks(ctx, sortOrder)
			if err != nil {
				return err
			}
			out, err := f.FormatDisks(disks)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var listVMsCmd = &cobra.Command{
	Use:   "list-vms",
	Short: "List VMs and their recorded status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App, f output.Formatter) error {
			vms, err := a.VMs.List(ctx, sortOrder)
			if err != nil {
				return err
			}
			out, err := f.FormatVMs(vms)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one status reconcile pass",
	Long: `Compare every VM recorded as running with the hypervisor and mark VMs whose
instance is gone as stopped. With --startup, VMs left in starting or stopping are
resolved right away; only use it while the API server is not running. Without it,
they are resolved only once they are older than any operation could take.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		startup, _ := cmd.Flags().GetBool("startup")
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App, f output.Formatter) error {
			controller := controllers.NewVMStatusController(a.VMs, a.Config.Controller.ReconcileInterval, a.Logger)

			var result *controllers.PassResult
			var err error
			if startup {
				result, err = controller.Startup(ctx)
			} else {
				if err := a.VMs.RestoreAddresses(ctx); err != nil {
					return err
				}
				result, err = controller.ReconcileOnce(ctx, false)
			}
			if err != nil {
				return fmt.Errorf("reconcile failed: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Checked %d VMs, corrected %d, errors %d\n", result.Checked, len(result.Corrections), result.Errors)
			for _, c := range result.Corrections {
				fmt.Fprintf(w, "  %s (%s): %s -> %s\n", c.Name, c.VMID, c.From, c.To)
			}
			if result.Errors > 0 {
				return fmt.Errorf("%d VMs could not be reconciled", result.Errors)
			}
			return nil
		})
	},
}

// withApp loads configuration, wires the services and hands them to fn
func withApp(ctx context.Context, fn func(context.Context, *app.App, output.Formatter) error) error {
	formatter, err := output.NewFormatter(output.Options{Format: output.Format(outputFormat), NoHeaders: noHeaders})
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// keep stdout clean for json and yaml output
	logger := app.NewLogger(cfg, os.Stderr)

	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, formatter)
}
