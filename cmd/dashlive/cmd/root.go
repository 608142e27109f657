// Package cmd implements the CLI commands for dashlive.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agleyzer/dashlive/internal/config"
	"github.com/agleyzer/dashlive/internal/observability"
)

// cli holds state shared by the commands of one invocation.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:     "dashlive",
		Short:   "DASH manifest watcher",
		Version: Version,
		Long: `dashlive loads a DASH manifest, keeps it current with periodic
refetches or MPD patches, and exposes the resolved presentation as
HLS playlists.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default is ./dashlive.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "log format (text, json)")
	c.bind("logging.level", root.PersistentFlags().Lookup("log-level"))
	c.bind("logging.format", root.PersistentFlags().Lookup("log-format"))
	c.addDashFlags(root)

	root.AddCommand(c.newWatchCommand(), c.newServeCommand(), newVersionCommand())
	return root
}

// Execute runs the command tree.
func Execute() error {
	if err := NewRootCommand().Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

// load reads the configuration and sets up logging. Flags only override
// file and environment values when explicitly set.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.LoadWith(c.v, c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	c.logger = observability.NewLoggerWithWriter(cfg.Logging, cmd.ErrOrStderr())
	observability.SetDefault(c.logger)
	if used := c.v.ConfigFileUsed(); used != "" {
		c.logger.Debug("using config file", "path", used)
	}
	return nil
}

// bind maps a flag onto a config key. Unchanged flags do not shadow the
// file or environment because viper only consults flags that were set.
func (c *cli) bind(key string, flag *pflag.Flag) {
	if err := c.v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
