package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	contextCluster     string
	contextCoordinator string
	contextPort        int
)

func init() {
	rootCmd.AddCommand(contextCmd)
	contextCmd.AddCommand(contextSetCmd)
	contextCmd.AddCommand(contextShowCmd)
	contextCmd.AddCommand(contextClearCmd)

	contextSetCmd.Flags().StringVar(&contextCluster, "cluster", "", "cluster to select")
	contextSetCmd.Flags().StringVar(&contextCoordinator, "coordinator", "", "coordinator host for remote commands")
	contextSetCmd.Flags().IntVar(&contextPort, "port", 0, "ssh port of the coordinator")
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage the selected cluster and coordinator",
}

var contextSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Select a cluster or coordinator",
	Long: `Select a cluster, a coordinator host, or both.

Selecting a cluster listed in the config file also selects its coordinator
unless --coordinator is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if contextCluster == "" && contextCoordinator == "" {
			return fmt.Errorf("nothing to set: pass --cluster or --coordinator")
		}

		store := contextStore()
		cliCtx, err := store.Load()
		if err != nil {
			return err
		}

		if contextCluster != "" {
			cliCtx.SetCluster(contextCluster, configuredCoordinator(contextCluster))
		}
		if contextCoordinator != "" {
			cliCtx.SetCoordinator(contextCoordinator, contextPort)
		} else if contextPort != 0 {
			cliCtx.SetCoordinator(cliCtx.Coordinator, contextPort)
		}

		if err := store.Save(cliCtx); err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(cmd.OutOrStdout(), cliCtx)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Context set: %s\n", cliCtx)
		return nil
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cliCtx, err := contextStore().Load()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			return writeJSON(cmd.OutOrStdout(), cliCtx)
		}
		if cliCtx.IsEmpty() {
			fmt.Fprintln(cmd.OutOrStdout(), render(mutedStyle, cliCtx.String()))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), cliCtx.String())
		return nil
	},
}

var contextClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := contextStore().Clear(); err != nil {
			return err
		}
		if !IsJSONOutput() {
			fmt.Fprintln(cmd.OutOrStdout(), "Context cleared")
		}
		return nil
	},
}

func configuredCoordinator(clusterID string) string {
	cfg := GetConfig()
	if cfg == nil {
		return ""
	}
	for _, cluster := range cfg.Clusters {
		if cluster.ID == clusterID {
			return cluster.Coordinator
		}
	}
	return ""
}
