// Package cli implements approvalctl, the operator tool for the governance
// service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	flagUserID         string
	flagOrganisationID string
	flagGRPCAddr       string
)

var rootCmd = &cobra.Command{
	Use:           "approvalctl",
	Short:         "Operate the approval governance service",
	Long:          "Applies migrations, manages approval policy files and acts on approval tasks.\nDatabase commands read the same environment as the server; task commands talk to its gRPC API.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagUserID, "user", os.Getenv("APPROVALCTL_USER"), "Acting user id")
	rootCmd.PersistentFlags().StringVar(&flagOrganisationID, "org", os.Getenv("APPROVALCTL_ORG"), "Acting organisation id")
	rootCmd.PersistentFlags().StringVar(&flagGRPCAddr, "grpc-addr", envOr("APPROVALCTL_GRPC_ADDR", "localhost:9090"), "Governance gRPC address")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func requireIdentity(needOrg bool) error {
	if flagUserID == "" {
		return fmt.Errorf("--user is required")
	}
	if needOrg && flagOrganisationID == "" {
		return fmt.Errorf("--org is required")
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
