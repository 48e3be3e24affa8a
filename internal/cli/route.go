package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

func newRouteCmd() *cobra.Command {
	var taskType string

	cmd := &cobra.Command{
		Use:   "route <text...>",
		Short: "Show how a prompt would be classified and routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"text": strings.Join(args, " ")}
			if taskType != "" {
				body["task_type"] = taskType
			}
			resp, err := client.Post(cmd.Context(), "/api/v1/route", body)
			if err != nil {
				return fmt.Errorf("route: %w", err)
			}
			var dec model.RouteDecision
			if err := json.Unmarshal(resp.Data, &dec); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Type:      %s\n", dec.TaskType)
			fmt.Fprintf(out, "Priority:  %d\n", dec.Priority)
			fmt.Fprintf(out, "Providers: %s\n", strings.Join(dec.Providers, " -> "))
			names := make([]string, 0, len(dec.Models))
			for name := range dec.Models {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-12s %s\n", name, dec.Models[name])
			}
			if len(dec.Failover) > 0 {
				fmt.Fprintf(out, "Failover:  %s\n", strings.Join(dec.Failover, " -> "))
			}
			fmt.Fprintf(out, "Verifier:  %s\n", dec.Verifier)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskType, "type", "", "Skip classification and route this task type")
	return cmd
}
