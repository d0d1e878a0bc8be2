package cli

import (
	"fmt"
	"os"

	"github.com/me/fairq/pkg/model"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newSubmitCmd() *cobra.Command {
	var (
		file    string
		tenant  string
		partial bool
	)

	cmd := &cobra.Command{
		Use:   "submit -f <workflow.yaml> --tenant <id>",
		Short: "Submit a workflow DAG",
		Long:  "Read a workflow spec (YAML or JSON) and submit it to the fairq server on behalf of a tenant.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read workflow: %w", err)
			}
			var spec model.WorkflowSpec
			if err := yaml.Unmarshal(data, &spec); err != nil {
				return fmt.Errorf("parse workflow %s: %w", file, err)
			}
			if partial {
				spec.PartialTolerant = true
			}
			logger.Debug("parsed workflow", "name", spec.Name, "tasks", len(spec.Tasks))

			resp, err := client.Post(cmd.Context(), "/api/v1/workflows/", model.SubmitWorkflowRequest{
				TenantID: tenant,
				Spec:     spec,
			})
			if err != nil {
				return fmt.Errorf("submit workflow: %w", err)
			}
			var view model.WorkflowStatusView
			if err := decode(resp, &view); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Workflow submitted: %s\n", view.Workflow.ID)
			fmt.Fprintf(out, "  Tenant: %s\n", view.Workflow.TenantID)
			fmt.Fprintf(out, "  Tasks:  %d\n", len(view.Tasks))
			for _, t := range view.Tasks {
				fmt.Fprintf(out, "    - %s (%s, queue %s)\n", t.Name, t.ID, t.QueueName)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow spec file (YAML or JSON)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant to submit as")
	cmd.Flags().BoolVar(&partial, "partial", false, "Accept partial success when some tasks fail")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
