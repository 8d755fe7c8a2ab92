package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/auditia/app/runtime"
)

// newDoctorCmd checks storage, credentials and the Ollama endpoint.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check storage, model credentials and Ollama",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := runtime.ProbeEnvironment(cmd.Context(), globalCfg)
			out := cmd.OutOrStdout()

			mark := okMark()
			if !report.Storage.Writable {
				mark = failMark()
			}
			fmt.Fprintf(out, "%s storage %s at %s", mark, report.Storage.Backend, report.Storage.Dir)
			if report.Storage.Error != "" {
				fmt.Fprintf(out, ": %s", report.Storage.Error)
			}
			fmt.Fprintln(out)

			for _, m := range report.Models {
				mark := okMark()
				note := "configured"
				if !m.Configured {
					mark, note = warnMark(), "no credentials"
				}
				if m.Default {
					note += ", default"
				}
				fmt.Fprintf(out, "%s model %s (%s)\n", mark, m.Name, note)
			}
			if o := report.Ollama; o != nil {
				mark := okMark()
				if !o.Healthy || o.Error != "" {
					mark = failMark()
				}
				fmt.Fprintf(out, "%s ollama %s", mark, o.Endpoint)
				if len(o.Models) > 0 {
					fmt.Fprintf(out, " [%s]", strings.Join(o.Models, ", "))
				}
				if o.Error != "" {
					fmt.Fprintf(out, ": %s", o.Error)
				}
				fmt.Fprintln(out)
			}
			if !report.Healthy() {
				return errors.New("environment is not ready")
			}
			return nil
		},
	}
}
