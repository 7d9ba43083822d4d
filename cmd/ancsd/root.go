package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ancs/internal/config"
)

type rootOptions struct {
	cfgFile   string
	dropInDir string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ancsd",
		Short: "ancsd - drop-in telemetry daemon",
		Long: `ancsd loads sensor drop-ins from a configuration directory, polls them in
the background and serves their readings and routes over HTTP.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.dropInDir, "dropin-dir", "", "drop-in settings directory (default "+config.DefaultDropInDir+")")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newDropInsCmd(opts))
	return cmd
}

// settings loads .env, the config file and the environment, then applies the
// flags that were set explicitly.
func (o *rootOptions) settings(cmd *cobra.Command) (*config.Settings, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v, err := config.NewViper(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("dropin-dir") {
		v.Set("dropin_dir", o.dropInDir)
	}
	if cmd.Flags().Changed("log-level") {
		v.Set("log_level", o.logLevel)
	}
	return config.LoadSettings(v)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
