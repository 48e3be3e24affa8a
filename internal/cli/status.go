package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler, GPU and provider status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/status")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			var st model.SchedulerStatus
			if err := json.Unmarshal(resp.Data, &st); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tasks: %d pending, %d queued, %d running, %d completed, %d failed, %d cancelled\n",
				st.PendingCount, st.QueuedCount, st.RunningCount, st.CompletedCount, st.FailedCount, st.CancelledCount)

			fmt.Fprintln(out, "\nGPUs:")
			if len(st.GPUs) == 0 {
				fmt.Fprintln(out, "  (no telemetry)")
			}
			sort.Slice(st.GPUs, func(i, j int) bool { return st.GPUs[i].GPUID < st.GPUs[j].GPUID })
			for _, g := range st.GPUs {
				line := fmt.Sprintf("  %d  %-8s  %5.1fC  %6d/%6d MB (%4.1f%%)  %d/%d tasks",
					g.GPUID, g.HealthState, g.TemperatureC, g.MemoryUsedMB, g.MemoryTotalMB,
					g.MemoryPercent, g.ActiveTasks, g.MaxConcurrent)
				if g.ReservedMB > 0 {
					line += fmt.Sprintf("  reserved %d MB", g.ReservedMB)
				}
				if len(g.LoadedModels) > 0 {
					line += "  [" + strings.Join(g.LoadedModels, ", ") + "]"
				}
				if g.Stale {
					line += "  STALE"
				}
				fmt.Fprintln(out, line)
			}
			if h := st.Host; h != nil && h.Error == "" {
				fmt.Fprintf(out, "  host cpu %.1f%%, mem %.1f%%\n", h.CPUPercent, h.MemoryPercent)
			}

			fmt.Fprintln(out, "\nProviders:")
			names := make([]string, 0, len(st.Providers))
			for name := range st.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				p := st.Providers[name]
				state := "available"
				if !p.Available {
					state = "unavailable"
					if p.Error != "" {
						state += ": " + p.Error
					}
				}
				fmt.Fprintf(out, "  %-12s %-7s %s\n", name, p.Kind, state)
			}
			return nil
		},
	}
}
