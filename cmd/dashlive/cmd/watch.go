package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agleyzer/dashlive/internal/cluster"
	"github.com/agleyzer/dashlive/internal/dash"
	"github.com/agleyzer/dashlive/internal/manifest"
)

func (c *cli) newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <manifest-url>",
		Short: "Load a DASH manifest and follow its updates",
		Long: `Load a DASH manifest, log the resolved presentation and keep it
current until interrupted. Live manifests are refreshed by full fetch or,
when a PatchLocation is advertised, by MPD patch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), c.logger)
			defer cancel()
			return c.runWatch(ctx, args[0])
		},
	}
	return cmd
}

// addDashFlags registers the flags shared by watch and serve. They live on
// the root so each config key is bound to exactly one flag.
func (c *cli) addDashFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Duration("update-period", -1, "override the manifest's minimumUpdatePeriod (negative keeps it)")
	cmd.PersistentFlags().String("clock-sync-uri", "", "URI answering HEAD with a Date header, used without UTCTiming")
	cmd.PersistentFlags().Bool("prefetch-indexes", false, "build every segment index right after loading")
	cmd.PersistentFlags().Bool("cluster", false, "share bans and update state with a raft cluster")
	c.bind("dash.update_period", cmd.PersistentFlags().Lookup("update-period"))
	c.bind("dash.clock_sync_uri", cmd.PersistentFlags().Lookup("clock-sync-uri"))
	c.bind("dash.prefetch_indexes", cmd.PersistentFlags().Lookup("prefetch-indexes"))
	cmd.PersistentFlags().String("raft-id", "", "unique raft node id")
	cmd.PersistentFlags().String("raft-bind", "", "raft bind address (host:port)")
	cmd.PersistentFlags().StringSlice("peers", nil, "raft peer addresses, including this node")
	c.bind("cluster.enabled", cmd.PersistentFlags().Lookup("cluster"))
	c.bind("cluster.raft_id", cmd.PersistentFlags().Lookup("raft-id"))
	c.bind("cluster.bind_addr", cmd.PersistentFlags().Lookup("raft-bind"))
	c.bind("cluster.peers", cmd.PersistentFlags().Lookup("peers"))
}

func (c *cli) runWatch(ctx context.Context, uri string) error {
	parser, mgr, err := c.startParser(ctx, uri)
	if err != nil {
		return err
	}
	defer c.stop(parser, mgr)

	<-ctx.Done()
	return nil
}

// startParser starts the parser on uri, joining the cluster first when
// enabled so that replicated bans apply from the first request.
func (c *cli) startParser(ctx context.Context, uri string) (*dash.Parser, *cluster.Manager, error) {
	parser := newParser(c.cfg, c.logger)

	var mgr *cluster.Manager
	if c.cfg.Cluster.Enabled {
		var err error
		if mgr, err = startCluster(ctx, c.cfg, c.logger, parser); err != nil {
			return nil, nil, err
		}
	}

	m, err := parser.Start(ctx, uri, newWatchPlayer(c.logger, parser, mgr))
	if err != nil {
		if mgr != nil {
			_ = mgr.Shutdown()
		}
		return nil, nil, fmt.Errorf("loading manifest: %w", err)
	}
	logPresentation(c.logger, uri, m)
	return parser, mgr, nil
}

func (c *cli) stop(parser *dash.Parser, mgr *cluster.Manager) {
	if err := parser.Stop(); err != nil {
		c.logger.Warn("failed to stop parser", "error", err)
	}
	if mgr != nil {
		if err := mgr.Shutdown(); err != nil {
			c.logger.Warn("failed to shut down cluster", "error", err)
		}
	}
}

func logPresentation(logger *slog.Logger, uri string, m *manifest.Manifest) {
	logger.Info("manifest loaded",
		"url", uri,
		"type", m.Type,
		"live", m.Timeline.IsLive(),
		"duration", m.Timeline.Duration(),
		"variants", len(m.Variants()),
		"text", len(m.TextStreams()),
		"images", len(m.ImageStreams()),
	)
	for _, v := range m.Variants() {
		attrs := []any{"id", v.ID, "bandwidth", v.Bandwidth, "language", v.Language}
		if v.Video != nil {
			attrs = append(attrs, "resolution", fmt.Sprintf("%dx%d", v.Video.Width, v.Video.Height), "video_codecs", v.Video.Codecs)
		}
		if v.Audio != nil {
			attrs = append(attrs, "audio_codecs", v.Audio.Codecs)
		}
		logger.Debug("variant", attrs...)
	}
}
