// Package commands implements the jsoncomm command line: a diagnostics server
// and one-shot clients that send a request or an event to it.
package commands

import (
	"github.com/spf13/cobra"

	"jsoncomm/config"
	"jsoncomm/logger"
)

type rootState struct {
	log        *logger.Logger
	configPath string
	cfg        *config.Config
}

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	st := &rootState{log: log}

	rootCmd := &cobra.Command{
		Use:   "jsoncomm",
		Short: "Serves and calls length-prefixed JSON request/response/event connections",
		Long: `jsoncomm speaks a Content-Length framed JSON protocol over TCP, websockets
or stdio. Both peers may send requests and events at any time.

"serve" runs a diagnostics service, "call" sends it a request and prints the
response, "emit" sends it an event.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: st.loadConfig,
	}

	rootCmd.PersistentFlags().StringVarP(&st.configPath, "config", "c", "", "Path to a TOML configuration file. JSONCOMM_* environment variables override its values.")
	log.AddLevelFlag(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newServeCommand(st),
		newCallCommand(st),
		newEmitCommand(st),
	)
	return rootCmd, nil
}

func (st *rootState) loadConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(st.configPath)
	if err != nil {
		return err
	}
	st.cfg = cfg

	// -v wins over the configured level.
	if !cmd.Flags().Changed("verbosity") {
		level, err := logger.ParseLevel(cfg.Log.Level)
		if err != nil {
			return err
		}
		st.log.SetLevel(level)
	}
	return nil
}
