package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lexcodex/auditia/app/tui"
	"github.com/lexcodex/auditia/escalation"
	"github.com/lexcodex/auditia/framework"
)

type caseFlags struct {
	client  string
	session string
	model   string
	tier    string
}

func (f *caseFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.client, "client", "", "Client identifier (generated when empty)")
	cmd.Flags().StringVar(&f.session, "session", "", "Session identifier (generated when empty)")
	cmd.Flags().StringVar(&f.model, "model", "", "Model for this request (gemini, claude, gpt4, ollama)")
	cmd.Flags().StringVar(&f.tier, "tier", "", "Force a tier: assistant, senior, supervisor or manager")
}

func (f *caseFlags) clientID() string {
	if f.client == "" {
		f.client = framework.NewClientID()
	}
	return f.client
}

// newChatCmd opens the interactive console.
func newChatCmd() *cobra.Command {
	var flags caseFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive audit console",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The console owns the terminal; logs would corrupt it.
			if globalCfg.Logging.File == "" && runtimeOptions.LogOutput == nil {
				runtimeOptions.LogOutput = io.Discard
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if flags.model != "" {
				if resp := rt.SwitchModel(cmd.Context(), flags.model); !resp.Success {
					return fmt.Errorf("%s", resp.Message)
				}
			}
			return tui.Run(cmd.Context(), rt, tui.Options{
				ClientID:  flags.client,
				SessionID: flags.session,
				Style:     markdownStyle(),
				Timeout:   rt.Config.Server.HandlerTimeout,
			})
		},
	}
	cmd.Flags().StringVar(&flags.client, "client", "", "Client identifier (generated when empty)")
	cmd.Flags().StringVar(&flags.session, "session", "", "Session identifier (generated when empty)")
	cmd.Flags().StringVar(&flags.model, "model", "", "Default model for the console")
	return cmd
}

// newSendCmd sends one message and prints the tier reply.
func newSendCmd() *cobra.Command {
	var (
		flags  caseFlags
		asJSON bool
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message to the audit team",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, _, err := framework.ParseTier(flags.tier)
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			resp, err := rt.Send(cmd.Context(), escalation.Request{
				ClientID:  flags.clientID(),
				SessionID: flags.session,
				Message:   strings.Join(args, " "),
				ModelType: flags.model,
				Tier:      tier,
			})
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), resp, asJSON, raw)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the reply without markdown rendering")
	return cmd
}

// newUploadCmd uploads a document for analysis.
func newUploadCmd() *cobra.Command {
	var (
		flags  caseFlags
		asJSON bool
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "upload [file]",
		Short: "Upload a document (pdf, xlsx, xls, csv, txt, docx) for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			resp, err := rt.Upload(cmd.Context(), escalation.UploadRequest{
				ClientID:  flags.clientID(),
				SessionID: flags.session,
				FileName:  filepath.Base(args[0]),
				Size:      info.Size(),
				Content:   f,
				ModelType: flags.model,
				AgentType: flags.tier,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d bytes, id %s)\n", okMark(), resp.FileName, resp.Size, resp.FileID)
			return printResponse(cmd.OutOrStdout(), resp.Response, false, raw)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the response as JSON")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the reply without markdown rendering")
	return cmd
}

func printResponse(w io.Writer, resp *escalation.Response, asJSON, raw bool) error {
	if asJSON {
		return writeJSON(w, resp)
	}
	mark := okMark()
	switch {
	case resp.Failed:
		mark = failMark()
	case resp.Escalated:
		mark = warnMark()
	}
	fmt.Fprintf(w, "%s %s  %s  cliente %s  sesión %s\n", mark, tierLabel(resp.Tier), stateLabel(resp.State), resp.ClientID, resp.SessionID)
	body := resp.Message
	if !raw {
		body = tui.RenderMarkdown(body, 100, markdownStyle())
	}
	fmt.Fprintln(w, body)
	if resp.ReportGenerated {
		fmt.Fprintf(w, "%s informe final generado: auditia report show %s %s\n", okMark(), resp.ClientID, resp.SessionID)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
