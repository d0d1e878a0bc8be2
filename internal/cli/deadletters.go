package cli

import (
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/me/fairq/pkg/model"
	"github.com/spf13/cobra"
)

func newDeadLettersCmd() *cobra.Command {
	var (
		workflowID string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", fmt.Sprint(limit))
			if workflowID != "" {
				q.Set("workflow_id", workflowID)
			}
			resp, err := client.Get(cmd.Context(), "/api/v1/deadletters?"+q.Encode())
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			var records []model.DeadLetterRecord
			if err := decode(resp, &records); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}
			fmt.Fprintf(out, "%-42s  %-12s  %-22s  %-8s  %s\n", "TASK", "QUEUE", "ERROR", "ATTEMPTS", "WHEN")
			for _, dl := range records {
				fmt.Fprintf(out, "%-42s  %-12s  %-22s  %-8d  %s\n",
					dl.TaskID, dl.QueueName, dl.FinalError.Kind, len(dl.AttemptsHistory), humanize.Time(dl.DeadLetteredAt))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %s shown)\n", len(records), humanize.Comma(int64(resp.Pagination.Total)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Only show records of this workflow")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to show")
	return cmd
}
