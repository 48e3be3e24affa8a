package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

func newTaskCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "task <task_id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(task)
			}
			printTask(out, task)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the task as JSON")
	return cmd
}

func printTask(out io.Writer, t model.Task) {
	fmt.Fprintf(out, "Task: %s\n", t.ID)
	fmt.Fprintf(out, "  Type:     %s\n", t.TaskType)
	fmt.Fprintf(out, "  Priority: %d\n", t.Priority)
	fmt.Fprintf(out, "  Status:   %s\n", t.Status)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(out, "  Depends:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.AssignedProvider != "" {
		gpu := "-"
		if t.AssignedGPU != nil {
			gpu = fmt.Sprint(*t.AssignedGPU)
		}
		fmt.Fprintf(out, "  Assigned: %s/%s on GPU %s\n", t.AssignedProvider, t.AssignedModel, gpu)
	}
	if t.ProducingProvider != "" && t.ProducingProvider != t.AssignedProvider {
		fmt.Fprintf(out, "  Produced: %s/%s (failover)\n", t.ProducingProvider, t.ProducingModel)
	}
	for i, a := range t.Attempts {
		outcome := "ok"
		if !a.Success {
			outcome = "failed: " + a.Error
		}
		fmt.Fprintf(out, "    %d. %s %s (%dms) %s\n", i+1, a.Provider, a.Model, a.DurationMS, outcome)
	}
	if t.FailureReason != "" {
		fmt.Fprintf(out, "  Reason:   %s\n", t.FailureReason)
	}
	if t.Error != "" {
		fmt.Fprintf(out, "  Error:    %s\n", t.Error)
	}
	if v := t.Verification; v != nil {
		fmt.Fprintf(out, "  Verified: %s (%s) by %s\n", v.Verdict, v.Confidence, v.VerifierProvider)
		for _, issue := range v.Issues {
			fmt.Fprintf(out, "    - %s\n", issue)
		}
	} else if t.VerificationError != "" {
		fmt.Fprintf(out, "  Verified: error: %s\n", t.VerificationError)
	}
	fmt.Fprintf(out, "  Created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "  Finished: %s\n", t.CompletedAt.Format(time.RFC3339))
	}
	if t.Result != "" {
		fmt.Fprintf(out, "\n%s\n", t.Result)
	}
}
