package cmd

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tanq16/doppkit/internal/output"
)

func newTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task [TASK_ID]",
		Short: "Show the state of export tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg.Directory)
			if err != nil {
				return err
			}
			taskID := ""
			if len(args) == 1 {
				taskID = args[0]
			}
			tasks, err := client.CheckTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			table := newTable(cmd.OutOrStdout(), []string{"Task ID", "Name", "Object", "State", "Time"})
			for _, t := range tasks {
				table.Append([]string{string(t.TaskID), t.Name, strconv.Itoa(t.ObjectID), t.State, t.TimeStamp})
			}
			output.PrintHeader("Tasks")
			table.Render()
			return nil
		},
	}
}
