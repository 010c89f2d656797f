package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tradegate/internal/domain"
	"tradegate/pkg/tradegate"
)

var policiesAll bool

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List and manage risk policies",
	Long: `List the active risk policies, inspect their version history or roll a
policy back to an earlier version.

Examples:
  tradegate-cli policies
  tradegate-cli policies --all
  tradegate-cli policies versions exposure-cap
  tradegate-cli policies rollback exposure-cap 1 --actor ops`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := client().Policies(cmd.Context(), policiesAll)
		if err != nil {
			return err
		}
		return printPolicies(ps)
	},
}

var policyVersionsCmd = &cobra.Command{
	Use:   "versions <policy-id>",
	Short: "Show every version of a policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ps, err := client().PolicyVersions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printPolicies(ps)
	},
}

var rollbackActor string

var policyRollbackCmd = &cobra.Command{
	Use:   "rollback <policy-id> <version>",
	Short: "Republish an earlier policy version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("version %q: %w", args[1], err)
		}
		p, err := client().RollbackPolicy(cmd.Context(), args[0], version, rollbackActor)
		if err != nil {
			return err
		}
		fmt.Printf("%s rolled back to v%d as v%d\n", p.PolicyID, p.RolledBackFrom, p.Version)
		return nil
	},
}

var auditFlags tradegate.AuditQuery

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := client().Audit(cmd.Context(), auditFlags)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tENTITY\tID\tACTION\tACTOR\tPAYLOAD")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Sequence, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				e.EntityType, e.EntityID, e.Action, e.ActorID, e.Payload)
		}
		return w.Flush()
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-walk the audit hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := client().VerifyAudit(cmd.Context())
		if err != nil {
			return err
		}
		if !v.Valid {
			return fmt.Errorf("audit chain broken: %s", v.Error)
		}
		fmt.Printf("audit chain valid: %d entries, head %s\n", v.Entries, v.Head)
		return nil
	},
}

func init() {
	policiesCmd.Flags().BoolVarP(&policiesAll, "all", "a", false, "include disabled and not-yet-effective policies")
	policyRollbackCmd.Flags().StringVar(&rollbackActor, "actor", "", "actor ID recorded in the audit ledger (required)")
	policyRollbackCmd.MarkFlagRequired("actor")
	policiesCmd.AddCommand(policyVersionsCmd, policyRollbackCmd)

	f := auditCmd.Flags()
	f.StringVar(&auditFlags.EntityType, "entity-type", "", "filter by entity type (order, risk_assessment, policy, broker)")
	f.StringVar(&auditFlags.EntityID, "entity", "", "filter by entity ID")
	f.StringVar(&auditFlags.Action, "action", "", "filter by action")
	f.StringVar(&auditFlags.ActorID, "actor", "", "filter by actor")
	f.Uint64Var(&auditFlags.FromSeq, "from", 0, "first sequence number")
	f.Uint64Var(&auditFlags.ToSeq, "to", 0, "last sequence number")
	f.IntVarP(&auditFlags.Limit, "limit", "n", 50, "maximum entries")
	auditCmd.AddCommand(auditVerifyCmd)

	rootCmd.AddCommand(policiesCmd, auditCmd)
}

func printPolicies(ps []domain.Policy) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POLICY\tVERSION\tPRIORITY\tENABLED\tEFFECTIVE\tRULES")
	for _, p := range ps {
		rules := make([]string, len(p.Rules))
		for i, r := range p.Rules {
			rules[i] = string(r.Type)
		}
		fmt.Fprintf(w, "%s\tv%d\t%d\t%t\t%s\t%s\n", p.PolicyID, p.Version, p.Priority, p.Enabled,
			p.EffectiveFrom.Format("2006-01-02 15:04"), strings.Join(rules, ","))
	}
	return w.Flush()
}
