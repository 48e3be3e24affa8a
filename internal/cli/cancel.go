package cli

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a pending, queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put(cmd.Context(), "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel task: %w", err)
			}

			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if task.Status == model.TaskStatusRunning {
				fmt.Fprintf(out, "Task %s: cancellation requested (running on %s)\n", id, task.AssignedProvider)
				return nil
			}
			fmt.Fprintf(out, "Task %s: %s\n", id, task.Status)
			return nil
		},
	}
}
