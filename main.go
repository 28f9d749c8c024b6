package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"securechat/config"
)

type rootFlags struct {
	logLevel     string
	dataDir      string
	refreshToken string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	logger := zerolog.Nop()

	root := &cobra.Command{
		Use:           "securechat",
		Short:         "End-to-end encrypted chat client with direct file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(flags.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", flags.logLevel, err)
			}
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
				Level(level).With().Timestamp().Logger()

			if flags.dataDir != "" {
				if err := os.Setenv(config.DataDirEnv, flags.dataDir); err != nil {
					return err
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default per-user config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&flags.refreshToken, "refresh-token", os.Getenv(config.EnvPrefix+"_REFRESH_TOKEN"), "long-lived credential used to obtain access tokens")

	loggerFn := func() zerolog.Logger { return logger }
	root.AddCommand(
		newKeysCmd(loggerFn),
		newRunCmd(flags, loggerFn),
		newSendCmd(flags, loggerFn),
		newSendFileCmd(flags, loggerFn),
		newFetchCmd(flags, loggerFn),
		newHistoryCmd(),
	)
	return root
}
