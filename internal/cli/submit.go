package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/gpusched/pkg/model"
)

func newSubmitCmd() *cobra.Command {
	var (
		file        string
		taskType    string
		priority    int
		dependsOn   []string
		verify      bool
		payloadFile string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "submit [prompt]",
		Short: "Submit an inference task",
		Long: `Submit an inference task. The prompt comes from the argument, from stdin
when the argument is "-", or from a YAML task file given with -f. Flags override
fields read from the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req model.SubmitRequest
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read task file: %w", err)
				}
				if err := yaml.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("parse task file: %w", err)
				}
				logger.Debug("parsed task file", "path", file)
			}

			if len(args) == 1 {
				prompt := args[0]
				if prompt == "-" {
					data, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return fmt.Errorf("read prompt: %w", err)
					}
					prompt = string(data)
				}
				req.Prompt = prompt
			}
			if strings.TrimSpace(req.Prompt) == "" {
				return fmt.Errorf("a prompt is required (argument, \"-\" for stdin, or -f file)")
			}

			flags := cmd.Flags()
			if taskType != "" {
				req.TaskType = model.TaskType(taskType)
			}
			if flags.Changed("priority") {
				req.Priority = &priority
			}
			if len(dependsOn) > 0 {
				req.Dependencies = append(req.Dependencies, dependsOn...)
			}
			if flags.Changed("verify") {
				req.Verify = verify
			}
			if payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				var payload map[string]any
				if err := yaml.Unmarshal(data, &payload); err != nil {
					return fmt.Errorf("parse payload: %w", err)
				}
				req.Payload = payload
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/tasks/", req)
			if err != nil {
				return fmt.Errorf("submit task: %w", err)
			}
			var task model.Task
			if err := json.Unmarshal(resp.Data, &task); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task submitted: %s (type: %s, priority: %d, status: %s)\n",
				task.ID, task.TaskType, task.Priority, task.Status)

			if !wait {
				return nil
			}
			final, err := watchTask(cmd.Context(), out, task.ID, false)
			if err != nil {
				return err
			}
			printTask(out, final)
			if final.Status != model.TaskStatusCompleted {
				return fmt.Errorf("task %s ended %s", final.ID, final.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Task file (YAML)")
	cmd.Flags().StringVar(&taskType, "type", "", "Task type (classified from the prompt when omitted)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Priority, 1 is most urgent (defaults by task type)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Task IDs that must complete first")
	cmd.Flags().BoolVar(&verify, "verify", false, "Cross-verify the result with a second provider")
	cmd.Flags().StringVar(&payloadFile, "payload", "", "Payload file (YAML/JSON) passed to the provider")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish and print the result")
	return cmd
}
