package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/me/fairq/pkg/model"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow_id>",
		Short: "Show workflow status, task states and failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/workflows/"+args[0])
			if err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}
			var view model.WorkflowStatusView
			if err := decode(resp, &view); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), &view)
			return nil
		},
	}
}

func printStatus(out io.Writer, view *model.WorkflowStatusView) {
	wf := view.Workflow
	fmt.Fprintf(out, "Workflow: %s\n", wf.ID)
	if wf.Name != "" {
		fmt.Fprintf(out, "  Name:    %s\n", wf.Name)
	}
	fmt.Fprintf(out, "  Tenant:  %s\n", wf.TenantID)
	fmt.Fprintf(out, "  Status:  %s\n", wf.Status)
	fmt.Fprintf(out, "  Created: %s\n", humanize.Time(wf.CreatedAt))
	if wf.CompletedAt != nil {
		fmt.Fprintf(out, "  Finished: %s\n", humanize.Time(*wf.CompletedAt))
	}

	if len(view.Tasks) > 0 {
		fmt.Fprintln(out, "  Tasks:")
		for _, t := range view.Tasks {
			line := fmt.Sprintf("    - %s: %s", t.Name, t.State)
			if t.Attempts > 0 {
				line += fmt.Sprintf(" (attempt %d/%d)", t.Attempts, t.MaxRetries+1)
			}
			if t.ResultRef != "" {
				line += " -> " + t.ResultRef
			}
			fmt.Fprintln(out, line)
		}
	}

	if len(view.DeadLetters) > 0 {
		names := make(map[string]string, len(view.Tasks))
		for _, t := range view.Tasks {
			names[t.ID] = t.Name
		}
		fmt.Fprintln(out, "  Failures:")
		for _, dl := range view.DeadLetters {
			fmt.Fprintf(out, "    - %s: %s\n", names[dl.TaskID], dl.FinalError.Error())
			for _, a := range dl.AttemptsHistory {
				fmt.Fprintf(out, "        attempt %d: %s (%s)\n", a.Attempt, a.Error.Error(), humanize.Time(a.FailedAt))
			}
		}
	}
}
