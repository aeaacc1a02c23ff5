package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-approval-governance/internal/policyfile"
)

var policyOut string

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd, policyImportCmd, policyExportCmd)
	policyExportCmd.Flags().StringVarP(&policyOut, "out", "o", "", "Write to file instead of stdout")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage approval policy files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a policy file without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyValidate,
}

var policyImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Apply a policy file to an organisation",
	Long:  "Creates the directory entries, groups, members and rules named in the file.\nObjects that already exist are left untouched, so importing twice is safe.",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyImport,
}

var policyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an organisation's active policy as a policy file",
	Args:  cobra.NoArgs,
	RunE:  runPolicyExport,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	doc, err := policyfile.Load(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d directory entries, %d groups, %d rules\n",
		args[0], len(doc.Directory), len(doc.Groups), len(doc.Rules))
	return nil
}

func runPolicyImport(cmd *cobra.Command, args []string) error {
	if err := requireIdentity(true); err != nil {
		return err
	}
	doc, err := policyfile.Load(args[0])
	if err != nil {
		return err
	}

	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	report, err := env.svc.Policy.ImportPolicy(cmd.Context(), flagOrganisationID, flagUserID, doc)
	if err != nil {
		return fmt.Errorf("failed to import policy: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runPolicyExport(cmd *cobra.Command, _ []string) error {
	if err := requireIdentity(true); err != nil {
		return err
	}
	env, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer env.Close()

	doc, err := env.svc.Policy.ExportPolicy(cmd.Context(), flagOrganisationID, flagUserID)
	if err != nil {
		return fmt.Errorf("failed to export policy: %w", err)
	}

	if policyOut == "" {
		return policyfile.Encode(cmd.OutOrStdout(), doc)
	}
	f, err := os.Create(policyOut)
	if err != nil {
		return err
	}
	defer f.Close()
	return policyfile.Encode(f, doc)
}
