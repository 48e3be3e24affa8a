package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

func newListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/tasks/"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			var tasks []model.Task
			if err := json.Unmarshal(resp.Data, &tasks); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}

			fmt.Fprintf(out, "%-42s  %-10s  %-18s  %-3s  %-12s  %s\n", "ID", "STATUS", "TYPE", "PRI", "PROVIDER", "CREATED")
			fmt.Fprintf(out, "%-42s  %-10s  %-18s  %-3s  %-12s  %s\n", "--", "------", "----", "---", "--------", "-------")
			for _, t := range tasks {
				provider := t.ProducingProvider
				if provider == "" {
					provider = t.AssignedProvider
				}
				if provider == "" {
					provider = "-"
				}
				fmt.Fprintf(out, "%-42s  %-10s  %-18s  %-3d  %-12s  %s\n",
					t.ID, t.Status, t.TaskType, t.Priority, provider, t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(tasks), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only tasks with this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to show (server default 20)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many tasks")
	return cmd
}
