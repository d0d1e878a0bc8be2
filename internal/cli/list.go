package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/fairq/pkg/model"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/v1/workflows/?limit=%d", limit)
			if status != "" {
				path += "&status=" + status
			}
			resp, err := client.Get(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("list workflows: %w", err)
			}
			var wfs []model.Workflow
			if err := decode(resp, &wfs); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(wfs) == 0 {
				fmt.Fprintln(out, "No workflows found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-10s  %-16s  %-6s  %s\n", "ID", "STATUS", "TENANT", "TASKS", "CREATED")
			fmt.Fprintf(out, "%-40s  %-10s  %-16s  %-6s  %s\n", "--", "------", "------", "-----", "-------")
			for _, wf := range wfs {
				fmt.Fprintf(out, "%-40s  %-10s  %-16s  %-6d  %s\n",
					wf.ID, wf.Status, wf.TenantID, len(wf.TaskIDs), humanize.Time(wf.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %s shown)\n", len(wfs), humanize.Comma(int64(resp.Pagination.Total)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by workflow status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum workflows to show")
	return cmd
}
