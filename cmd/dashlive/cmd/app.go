package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agleyzer/dashlive/internal/cluster"
	"github.com/agleyzer/dashlive/internal/config"
	"github.com/agleyzer/dashlive/internal/dash"
	"github.com/agleyzer/dashlive/internal/mpd"
	"github.com/agleyzer/dashlive/internal/observability"
	"github.com/agleyzer/dashlive/internal/transport"
)

const leaderWaitTimeout = 30 * time.Second

// dashConfig maps the dash config section onto the parser configuration.
func dashConfig(c config.DashConfig) dash.Config {
	cfg := dash.DefaultConfig()
	cfg.MPD = mpd.Config{
		IgnoreEmptyAdaptationSet:         c.IgnoreEmptyAdaptationSet,
		IgnoreMinBufferTime:              c.IgnoreMinBufferTime,
		IgnoreSuggestedPresentationDelay: c.IgnoreSuggestedPresentationDelay,
		IgnoreMaxSegmentDuration:         c.IgnoreMaxSegmentDuration,
		IgnoreDRMInfo:                    c.IgnoreDRMInfo,
		InitialSegmentLimit:              c.InitialSegmentLimit,
		DefaultPresentationDelay:         c.DefaultPresentationDelay.Seconds(),
		KeySystemsByURI:                  c.KeySystemsByURI,
	}
	cfg.UpdatePeriod = c.UpdatePeriod
	cfg.ClockSyncURI = c.ClockSyncURI
	cfg.RaiseFatalOnUpdateFailure = c.RaiseFatalOnUpdateFailure
	cfg.SequenceMode = c.SequenceMode
	cfg.PrefetchIndexes = c.PrefetchIndexes
	if c.LocationBanDuration > 0 {
		cfg.LocationBanDuration = c.LocationBanDuration
	}
	return cfg
}

func retryConfig(c config.RetryConfig) transport.RetryConfig {
	return transport.RetryConfig{
		Attempts:      c.Attempts,
		Delay:         c.Delay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
		Timeout:       c.Timeout,
	}
}

func newParser(cfg *config.Config, logger *slog.Logger) *dash.Parser {
	requester := transport.NewHTTPRequester(nil, retryConfig(cfg.Retry), logger)
	return dash.New(requester, dashConfig(cfg.Dash), dash.WithLogger(logger))
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// startCluster joins the raft cluster and shares location bans and update
// bookkeeping of parser with the other nodes.
func startCluster(ctx context.Context, cfg *config.Config, logger *slog.Logger, parser *dash.Parser) (*cluster.Manager, error) {
	clog := observability.WithComponent(logger, "cluster")
	mgr, err := cluster.NewManager(cluster.Config{
		RaftID:           cfg.Cluster.RaftID,
		BindAddr:         cfg.Cluster.BindAddr,
		Peers:            cfg.Cluster.Peers,
		HeartbeatTimeout: cfg.Cluster.HeartbeatTimeout,
		ElectionTimeout:  cfg.Cluster.ElectionTimeout,
		Logger:           observability.NewRaftLogger(cfg.Logging, os.Stderr),
	}, clog)
	if err != nil {
		return nil, fmt.Errorf("creating cluster manager: %w", err)
	}

	steering := parser.Steering()
	mgr.OnBan(steering.ApplyBan)
	steering.SetBanHook(func(uri string, until time.Time) {
		if err := mgr.BanLocation(uri, until); err != nil {
			clog.Warn("failed to replicate location ban", "uri", uri, "error", err)
		}
	})

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting cluster: %w", err)
	}

	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
		defer cancel()
		if err := mgr.WaitForLeader(waitCtx); err != nil {
			clog.Warn("no cluster leader yet", "error", err)
			return
		}
		clog.Info("cluster leader elected", "leader", mgr.LeaderAddr())
	}()
	return mgr, nil
}

// watchPlayer logs parser callbacks and, when clustered, records every
// applied manifest version.
type watchPlayer struct {
	dash.LoggingPlayer
	parser  *dash.Parser
	cluster *cluster.Manager
	now     func() time.Time
}

func newWatchPlayer(logger *slog.Logger, parser *dash.Parser, mgr *cluster.Manager) *watchPlayer {
	return &watchPlayer{
		LoggingPlayer: dash.LoggingPlayer{Log: logger},
		parser:        parser,
		cluster:       mgr,
		now:           time.Now,
	}
}

func (w *watchPlayer) OnManifestUpdated() {
	st := w.parser.Status()
	w.Log.Info("manifest updated",
		"mpd_id", st.MPDID,
		"publish_time", st.PublishTime,
		"updates", st.Updates,
	)
	if w.cluster == nil {
		return
	}
	at := w.now()
	go func() {
		if err := w.cluster.RecordUpdate(st.ManifestURI, st.MPDID, st.PublishTime, at); err != nil {
			w.Log.Debug("update not recorded in cluster", "error", err)
		}
	}()
}
