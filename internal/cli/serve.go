package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-intake/internal/log"
	"github.com/teslashibe/go-intake/pkg/api"
	"github.com/teslashibe/go-intake/pkg/engine"
	"github.com/teslashibe/go-intake/pkg/engine/gemini"
	"github.com/teslashibe/go-intake/pkg/hub"
	"github.com/teslashibe/go-intake/pkg/relay"
	"github.com/teslashibe/go-intake/pkg/store"
)

func newServeCmd(flags *GlobalFlags) *cobra.Command {
	var port int
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and the directory/records API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if debug {
				cfg.Debug = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log.InitWriter(cmd.ErrOrStderr(), cfg.LogLevel)
			logger := log.Component("serve")

			ctx := cmd.Context()
			st, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			eng := gemini.New(
				engine.WithAPIKey(cfg.Engine.APIKey),
				engine.WithModel(cfg.Engine.Model),
				engine.WithVoice(cfg.Engine.Voice),
				engine.WithLogger(log.Component("gemini")),
			)
			if err := eng.Validate(); err != nil {
				logger.Warn("engine credential missing, sessions will fail to start", "error", err)
			}

			mcfg, err := relay.ManagerConfigFrom(&cfg)
			if err != nil {
				return err
			}
			mgr := relay.NewManager(eng, st, mcfg)
			feed := hub.New("records")

			srv := api.New(st, mgr, feed, api.Options{
				WSPath:  cfg.WSPath,
				Debug:   cfg.Debug,
				Version: Version,
			})
			logger.Info("starting", "version", Version, "store", cfg.Store.Driver, "model", cfg.Engine.Model)
			return srv.ListenAndRun(ctx, cfg.Addr())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides PORT)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable request logging")
	return cmd
}
