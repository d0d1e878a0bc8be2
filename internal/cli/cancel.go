package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow_id>",
		Short: "Cancel a workflow and all of its unfinished tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			resp, err := client.Put(cmd.Context(), "/api/v1/workflows/"+id+"/cancel", nil)
			if err != nil {
				return fmt.Errorf("cancel workflow: %w", err)
			}

			var data struct {
				TasksCancelled int `json:"tasks_cancelled"`
				TasksFinished  int `json:"tasks_finished"`
			}
			if err := decode(resp, &data); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow %s: CANCELLED\n", id)
			fmt.Fprintf(out, "  Tasks cancelled: %d\n", data.TasksCancelled)
			fmt.Fprintf(out, "  Tasks already finished: %d\n", data.TasksFinished)
			return nil
		},
	}
}
