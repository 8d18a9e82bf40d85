package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tOgg1/elastic/internal/journal"
	"github.com/tOgg1/elastic/internal/scaling"
)

var (
	historyCluster string
	historyLimit   int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyCluster, "cluster", "", "cluster to show (default: context; empty shows all)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum operations to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent scaling operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if !cfg.Journal.Enabled {
			return fmt.Errorf("operation journal is disabled (journal.enabled)")
		}

		clusterID := historyCluster
		if clusterID == "" && !cmd.Flags().Changed("cluster") {
			if cliCtx, err := contextStore().Load(); err == nil {
				clusterID = cliCtx.ClusterID
			}
		}

		store, err := journal.Open(cmd.Context(), cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.List(cmd.Context(), clusterID, historyLimit)
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			if records == nil {
				records = []scaling.Record{}
			}
			return writeJSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), render(mutedStyle, "No operations recorded"))
			return nil
		}

		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				rec.StartedAt.Local().Format(time.DateTime),
				rec.ClusterID,
				string(rec.Action),
				formatTarget(rec),
				formatIDs(rec.Requested),
				formatResult(rec.Result),
				renderOutcome(rec.Outcome()),
				rec.Duration.Round(time.Millisecond).String(),
			})
		}
		return writeTable(cmd.OutOrStdout(),
			[]string{"STARTED", "CLUSTER", "ACTION", "TARGET", "REQUESTED", "RESULT", "OUTCOME", "DURATION"}, rows)
	},
}

func formatTarget(rec scaling.Record) string {
	if rec.AdjustedTarget == rec.Target {
		return strconv.Itoa(rec.Target)
	}
	return fmt.Sprintf("%d (%d)", rec.Target, rec.AdjustedTarget)
}

func formatIDs(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}

func formatResult(ids []string) string {
	if ids == nil {
		return render(mutedStyle, "none")
	}
	return formatIDs(ids)
}
