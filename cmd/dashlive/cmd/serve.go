package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agleyzer/dashlive/internal/hls"
	"github.com/agleyzer/dashlive/internal/server"
)

func (c *cli) newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <manifest-url>",
		Short: "Follow a DASH manifest and serve it as HLS",
		Long: `Follow a DASH manifest like watch and serve the current presentation:

- /playlist.m3u8              master playlist
- /stream/{id}/playlist.m3u8  media playlist of one stream
- /health                     parser, playlist and cluster status
- /locations/ban?uri=...      (POST, when enabled) exclude a location`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), c.logger)
			defer cancel()
			return c.runServe(ctx, args[0])
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP server port")
	cmd.Flags().Int("window-size", 6, "number of segments in live media playlists (0 for all)")
	cmd.Flags().Bool("enable-ban-route", false, "expose POST /locations/ban")
	c.bind("server.port", cmd.Flags().Lookup("port"))
	c.bind("server.window_size", cmd.Flags().Lookup("window-size"))
	c.bind("server.enable_ban_route", cmd.Flags().Lookup("enable-ban-route"))
	return cmd
}

func (c *cli) runServe(ctx context.Context, uri string) error {
	parser, mgr, err := c.startParser(ctx, uri)
	if err != nil {
		return err
	}
	defer c.stop(parser, mgr)

	gen := hls.New(parser, c.cfg.Server.WindowSize, c.logger)
	opts := []server.Option{server.WithStats("parser", parser.Stats)}
	if mgr != nil {
		opts = append(opts, server.WithStats("cluster", mgr.Stats))
	}
	if c.cfg.Server.EnableBanRoute {
		opts = append(opts, server.WithBanHandler(parser.BanLocation))
	}
	srv := server.New(gen, c.cfg.Server.Port, c.logger, opts...)

	c.logger.Info("live HLS view ready",
		"master_url", fmt.Sprintf("http://localhost:%d/playlist.m3u8", c.cfg.Server.Port),
		"health", fmt.Sprintf("http://localhost:%d/health", c.cfg.Server.Port),
	)
	return srv.Start(ctx)
}
