// Package cli implements the intake command tree.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-intake/internal/config"
	"github.com/teslashibe/go-intake/internal/log"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0"

const defaultServer = "http://localhost:3001"

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	Server     string
}

// NewRootCommand builds the command tree. out receives command output;
// logs go to stderr so that `call` can stream audio on stdout.
func NewRootCommand(out io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "intake",
		Short:         "Voice intake relay for sick-note calls",
		Long:          "intake relays caller audio to a realtime voice agent that collects sick notes and files them against a directory of organizations.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := flags.LogLevel
			if level == "" {
				level = os.Getenv("INTAKE_LOG_LEVEL")
			}
			log.InitWriter(cmd.ErrOrStderr(), level)
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "TOML config file (default $INTAKE_CONFIG)")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.Server, "server", envOr("INTAKE_SERVER", defaultServer), "base URL of a running intake server")

	root.AddCommand(
		newServeCmd(flags),
		newCallCmd(flags),
		newDirectoryCmd(flags),
		newRecordsCmd(flags),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand(os.Stdout).ExecuteContext(ctx)
}

func loadConfig(flags *GlobalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func serverURL(flags *GlobalFlags, path string) string {
	return strings.TrimRight(flags.Server, "/") + path
}
