package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/me/gpusched/pkg/model"
)

// watchRepoll is how often a single-task watch re-reads the task in case
// its final event was published before the stream subscribed.
const watchRepoll = 5 * time.Second

func newWatchCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "watch [task_id]",
		Short: "Stream task events",
		Long:  "Stream task status events. With a task ID, exit once that task has finished.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				task, err := watchTask(cmd.Context(), out, args[0], jsonOut)
				if err != nil {
					return err
				}
				printTask(out, task)
				return nil
			}

			conn, err := client.DialEvents(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer conn.CloseNow()
			for ev := range readEvents(cmd.Context(), conn, logger) {
				printEvent(out, ev, jsonOut)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print raw JSON events")
	return cmd
}

// watchTask streams events for one task until it is settled, then returns
// its final state.
func watchTask(ctx context.Context, out io.Writer, id string, jsonOut bool) (model.Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := client.DialEvents(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	task, err := client.GetTask(ctx, id)
	if err != nil {
		return task, err
	}
	if settled(task) {
		return task, nil
	}

	events := readEvents(ctx, conn, logger)
	defer func() {
		// The reader exits once ctx is cancelled; drain it before returning.
		cancel()
		for range events {
		}
	}()
	ticker := time.NewTicker(watchRepoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return task, fmt.Errorf("event stream closed before task %s finished", id)
			}
			printEvent(out, ev, jsonOut)
			if !ev.Status.IsTerminal() {
				continue
			}
		case <-ticker.C:
		}
		if task, err = client.GetTask(ctx, id); err != nil {
			return task, err
		}
		if settled(task) {
			return task, nil
		}
	}
}

// settled reports whether a task is terminal and, when verification was
// requested on a completed task, its verdict has arrived.
func settled(t model.Task) bool {
	if !t.Status.IsTerminal() {
		return false
	}
	if t.Verify && t.Status == model.TaskStatusCompleted {
		return t.Verification != nil || t.VerificationError != ""
	}
	return true
}

// readEvents decodes websocket messages until the connection ends or ctx
// is cancelled. The returned channel is closed when the reader exits.
func readEvents(ctx context.Context, conn *websocket.Conn, log *slog.Logger) <-chan model.TaskEvent {
	ch := make(chan model.TaskEvent)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				log.Debug("event stream ended", "error", err)
				return
			}
			var ev model.TaskEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Warn("bad event", "error", err)
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func printEvent(out io.Writer, ev model.TaskEvent, jsonOut bool) {
	if jsonOut {
		b, _ := json.Marshal(ev)
		fmt.Fprintln(out, string(b))
		return
	}
	line := fmt.Sprintf("%s  %-28s  %-10s", ev.Timestamp.Local().Format("15:04:05"), ev.TaskID, ev.Status)
	if ev.Provider != "" {
		line += "  provider=" + ev.Provider
	}
	if ev.GPU != nil {
		line += fmt.Sprintf("  gpu=%d", *ev.GPU)
	}
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	fmt.Fprintln(out, line)
}
