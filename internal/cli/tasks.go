package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-approval-governance/internal/client"
)

var (
	decideComment      string
	aggregateRecompute bool
)

func init() {
	rootCmd.AddCommand(submitCmd, pendingCmd, decideCmd, aggregateCmd, guardCmd)
	decideCmd.Flags().StringVar(&decideComment, "comment", "", "Comment recorded with the decision")
	aggregateCmd.Flags().BoolVar(&aggregateRecompute, "recompute", false, "Re-run aggregation and persist the result")
}

var submitCmd = &cobra.Command{
	Use:   "submit <artifact-id>",
	Short: "Submit an artifact for approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.GovernanceGRPCClient) (map[string]interface{}, error) {
			return c.SubmitForApproval(cmd.Context(), args[0])
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval tasks waiting on you",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(c *client.GovernanceGRPCClient) (map[string]interface{}, error) {
			return c.ListPending(cmd.Context())
		})
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <task-id> <approve|reject>",
	Short: "Approve or reject an approval task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[1] {
		case "approve", "reject":
		default:
			return fmt.Errorf("decision must be approve or reject, got %q", args[1])
		}
		return withClient(cmd, func(c *client.GovernanceGRPCClient) (map[string]interface{}, error) {
			return c.RecordDecision(cmd.Context(), args[0], args[1], decideComment)
		})
	},
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <artifact-id>",
	Short: "Show an artifact's approval aggregate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.GovernanceGRPCClient) (map[string]interface{}, error) {
			if aggregateRecompute {
				return c.RecomputeAggregate(cmd.Context(), args[0])
			}
			return c.GetAggregate(cmd.Context(), args[0])
		})
	},
}

var guardCmd = &cobra.Command{
	Use:   "guard <operation-kind>",
	Short: "Consume one rate-limited invocation of an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.GovernanceGRPCClient) (map[string]interface{}, error) {
			return c.CheckRateLimit(cmd.Context(), args[0])
		})
	},
}

func withClient(cmd *cobra.Command, call func(*client.GovernanceGRPCClient) (map[string]interface{}, error)) error {
	if err := requireIdentity(false); err != nil {
		return err
	}
	c, err := client.NewGovernanceGRPCClient(flagGRPCAddr, flagUserID, flagOrganisationID)
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer c.Close()

	out, err := call(c)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
			return fmt.Errorf("%s: %s", st.Code(), st.Message())
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}
