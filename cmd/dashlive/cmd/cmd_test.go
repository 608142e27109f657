package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/dashlive/internal/config"
)

const staticMPD = `<?xml version="1.0"?>
<MPD type="static" mediaPresentationDuration="PT10S" minBufferTime="PT2S">
  <Period id="p1">
    <AdaptationSet mimeType="video/mp4" codecs="avc1.64001f">
      <SegmentTemplate timescale="1000" duration="2000" media="$RepresentationID$/$Number$.m4s" initialization="$RepresentationID$/init.mp4"/>
      <Representation id="v1" bandwidth="1000000" width="1280" height="720"/>
    </AdaptationSet>
  </Period>
</MPD>`

func runCommand(ctx context.Context, args ...string) (string, string, error) {
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := runCommand(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dashlive "+Version)

	out, _, err = runCommand(context.Background(), "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, Version, info["version"])
	assert.NotEmpty(t, info["go"])
}

func TestWatchRequiresURL(t *testing.T) {
	_, _, err := runCommand(context.Background(), "watch")
	require.Error(t, err)
}

func TestWatchStaticManifest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/dash+xml")
		_, _ = w.Write([]byte(staticMPD))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, logs, err := runCommand(ctx, "watch", "--log-level", "debug", ts.URL+"/manifest.mpd")
	require.NoError(t, err)
	assert.Contains(t, logs, "manifest loaded")
	assert.Contains(t, logs, "variants=1")
	assert.Contains(t, logs, "resolution=1280x720")
}

func TestWatchFailsOnMissingManifest(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "dashlive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  attempts: 0\n"), 0o600))

	_, _, err := runCommand(context.Background(), "watch", "--config", path, ts.URL+"/missing.mpd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading manifest")
}

func TestInvalidConfigRejected(t *testing.T) {
	_, _, err := runCommand(context.Background(), "watch", "--log-format", "xml", "https://example.com/a.mpd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestDashConfig(t *testing.T) {
	cfg := dashConfig(config.DashConfig{
		IgnoreMinBufferTime:       true,
		UpdatePeriod:              3 * time.Second,
		ClockSyncURI:              "https://time.example.com/",
		InitialSegmentLimit:       50,
		DefaultPresentationDelay:  1500 * time.Millisecond,
		RaiseFatalOnUpdateFailure: true,
		KeySystemsByURI:           map[string]string{"urn:uuid:x": "com.example.drm"},
	})

	assert.True(t, cfg.MPD.IgnoreMinBufferTime)
	assert.Equal(t, 50, cfg.MPD.InitialSegmentLimit)
	assert.InDelta(t, 1.5, cfg.MPD.DefaultPresentationDelay, 1e-9)
	assert.Equal(t, "com.example.drm", cfg.MPD.KeySystemsByURI["urn:uuid:x"])
	assert.Equal(t, 3*time.Second, cfg.UpdatePeriod)
	assert.Equal(t, "https://time.example.com/", cfg.ClockSyncURI)
	assert.True(t, cfg.RaiseFatalOnUpdateFailure)
	assert.Equal(t, time.Minute, cfg.LocationBanDuration, "unset ban duration keeps the default")
}

func TestRetryConfig(t *testing.T) {
	rc := retryConfig(config.RetryConfig{Attempts: 4, Delay: time.Second, MaxDelay: 5 * time.Second, BackoffFactor: 3, Timeout: time.Minute})
	assert.Equal(t, 4, rc.Attempts)
	assert.Equal(t, time.Second, rc.Delay)
	assert.Equal(t, 5*time.Second, rc.MaxDelay)
	assert.InDelta(t, 3.0, rc.BackoffFactor, 1e-9)
	assert.Equal(t, time.Minute, rc.Timeout)
}
