package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/auditia/app/tui"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/persistence"
	"github.com/lexcodex/auditia/server"
)

// newReportCmd groups final report commands.
func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect final audit reports",
	}
	cmd.AddCommand(newReportShowCmd(), newReportListCmd())
	return cmd
}

func newReportShowCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show [client_id] [session_id]",
		Short: "Print a final report as markdown, html or json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			ref := framework.CaseRef{ClientID: args[0], SessionID: args[1]}
			report, err := rt.Report(cmd.Context(), ref)
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("informe no encontrado para %s", ref)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(out, report)
			case "html":
				return server.RenderReport(out, report)
			case "markdown", "md":
				var b strings.Builder
				if err := server.RenderReportMarkdown(&b, report); err != nil {
					return err
				}
				_, err := fmt.Fprintln(out, tui.RenderMarkdown(b.String(), 100, markdownStyle()))
				return err
			default:
				return fmt.Errorf("unknown format %q (want markdown, html or json)", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "Output format: markdown, html or json")
	return cmd
}

func newReportListCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List final reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if client != "" {
				if err := framework.ValidateClientID(client); err != nil {
					return err
				}
			}
			reports, err := rt.Store.ListReports(cmd.Context(), client)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(reports) == 0 {
				fmt.Fprintln(out, "No reports")
				return nil
			}
			for _, r := range reports {
				fmt.Fprintf(out, "%s  %s  %s  %s\n",
					r.Timestamp.Time.Format("2006-01-02 15:04"),
					r.ClientID,
					r.SessionID,
					r.AuditResult,
				)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "Only reports of this client")
	return cmd
}
