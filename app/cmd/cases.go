package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/auditia/framework"
)

// newCasesCmd inspects open escalations.
func newCasesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect escalated cases",
	}
	cmd.AddCommand(newCasesListCmd(), newCasesShowCmd())
	return cmd
}

func newCasesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending escalation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			records, err := rt.Store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No pending cases")
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(out, "%s  %-12s %-36s %s  %s\n",
					rec.Timestamp.Time.Format("2006-01-02 15:04"),
					rec.ClientID,
					rec.SessionID,
					tierLabel(rec.Tier),
					oneLine(rec.Summary, 60),
				)
			}
			return nil
		},
	}
}

func newCasesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [client_id] [session_id]",
		Short: "Show the state and pending records of a case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			ref := framework.CaseRef{ClientID: args[0], SessionID: args[1]}
			state, pending, err := rt.CaseState(cmd.Context(), ref)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Caso %s: %s\n", ref, stateLabel(state))
			for _, tier := range pending {
				rec, err := rt.Store.Load(cmd.Context(), ref, tier)
				if err != nil {
					fmt.Fprintf(out, "  %s %s: %v\n", failMark(), tierLabel(tier), err)
					continue
				}
				fmt.Fprintf(out, "  %s %s  %s\n", warnMark(), tierLabel(tier), rec.Timestamp.Time.Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "    resumen: %s\n", oneLine(rec.Summary, 100))
				if len(rec.Documents) > 0 {
					fmt.Fprintf(out, "    documentos: %s\n", strings.Join(rec.Documents, ", "))
				}
			}
			return nil
		},
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
