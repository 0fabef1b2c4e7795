package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/config"
)

var version = "0.1.0"

const defaultConfigPath = "vigil.toml"

type globalOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "vigil",
		Short: "Policy gatekeeper between AI agents and network devices",
		Long: `Vigil - policy gatekeeper between AI agents and network devices

Every action an agent proposes is classified into a risk tier and
evaluated against the active policy and the agent's trust score.
Permitted actions run with pre-change capture, post-change validation
and automatic rollback; risky ones wait for a human; forbidden ones
never reach a device. Every decision lands in a hash-chained audit log.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging("info", opts.debug)
		},
	}
	cmd.SetVersionTemplate("Vigil {{.Version}} - network change gatekeeper\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Service configuration file (TOML)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newEvaluateCmd(),
		newPolicyCmd(),
		newAuditCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}

// Execute runs the root command
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string, debug bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadConfig reads the service configuration. A missing file at the
// default path falls back to built-in defaults.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err == nil {
		return cfg, nil
	}
	if opts.configPath == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		log.Debug().Str("path", opts.configPath).Msg("no config file, using defaults")
		return config.Default(), nil
	}
	return nil, err
}
