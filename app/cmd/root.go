package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lexcodex/auditia/app/runtime"
	"github.com/lexcodex/auditia/internal/config"
)

var (
	cfgFile string
	noColor bool

	globalCfg *config.Config
	// runtimeOptions lets tests swap the model registry and log output.
	runtimeOptions runtime.Options
)

// Execute is the entry point for the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd wires the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "auditia",
		Short:         "Four-tier AI audit assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				cfgFile = config.DefaultPath
			}
			setColor(noColor)
			// config get/set edit the raw file and must work on invalid configs.
			if cmd.Parent() != nil && cmd.Parent().Name() == "config" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			globalCfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultPath, "Path to auditia.yaml")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newServeCmd(),
		newRPCCmd(),
		newChatCmd(),
		newSendCmd(),
		newUploadCmd(),
		newReportCmd(),
		newCasesCmd(),
		newDoctorCmd(),
		newConfigCmd(),
	)
	return root
}

// openRuntime builds a runtime from the loaded config. Logs go to stderr
// unless the config names a file.
func openRuntime(ctx context.Context) (*runtime.Runtime, error) {
	if globalCfg == nil {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		globalCfg = cfg
	}
	return runtime.New(ctx, globalCfg, runtimeOptions)
}
