package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/me/fairq/pkg/model"
	"github.com/spf13/cobra"
)

func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show queue limits, depth and running tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/queues")
			if err != nil {
				return fmt.Errorf("list queues: %w", err)
			}
			var queues []model.QueueView
			if err := decode(resp, &queues); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s  %-9s  %-8s  %-10s  %s\n", "QUEUE", "RUNNING", "DEPTH", "RATE/S", "PREEMPTIVE")
			for _, q := range queues {
				rate := "-"
				if q.RateLimitPerSecond > 0 {
					rate = humanize.FtoaWithDigits(q.RateLimitPerSecond, 2)
				}
				fmt.Fprintf(out, "%-16s  %-9s  %-8s  %-10s  %t\n",
					q.Name, fmt.Sprintf("%d/%d", q.Running, q.ConcurrencyLimit), humanize.Comma(int64(q.Depth)), rate, q.Preemptive)
			}
			return nil
		},
	}
}

func newTenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tenants",
		Short: "Show tenant weights and fair-share deficits",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/tenants")
			if err != nil {
				return fmt.Errorf("list tenants: %w", err)
			}
			var tenants []model.TenantView
			if err := decode(resp, &tenants); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(tenants) == 0 {
				fmt.Fprintln(out, "No tenants.")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %-10s  %-8s  %s\n", "TENANT", "TIER", "WEIGHT", "DEFICIT")
			for _, t := range tenants {
				fmt.Fprintf(out, "%-24s  %-10s  %-8s  %s\n",
					t.TenantID, t.Tier, humanize.Ftoa(t.Weight), humanize.CommafWithDigits(t.Deficit, 1))
			}
			return nil
		},
	}
}

func newBreakersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(cmd.Context(), "/api/v1/breakers")
			if err != nil {
				return fmt.Errorf("list breakers: %w", err)
			}
			var breakers []model.CircuitBreakerState
			if err := decode(resp, &breakers); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(breakers) == 0 {
				fmt.Fprintln(out, "No breakers tripped or tracked.")
				return nil
			}
			fmt.Fprintf(out, "%-24s  %-10s  %-9s  %s\n", "DEPENDENCY", "STATE", "FAILURES", "LAST FAILURE")
			for _, b := range breakers {
				last := "-"
				if b.LastFailureAt != nil {
					last = humanize.Time(*b.LastFailureAt)
				}
				fmt.Fprintf(out, "%-24s  %-10s  %-9d  %s\n", b.DependencyID, b.State, b.FailureCount, last)
			}
			return nil
		},
	}
}
