// Package integration provides integration testing utilities for dashlive.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// Origin serves DASH manifests from a temporary directory.
type Origin struct {
	t          *testing.T
	dir        string
	port       int
	httpServer *http.Server
}

// StartOrigin starts an HTTP server serving files written with Put.
func StartOrigin(t *testing.T) *Origin {
	t.Helper()

	o := &Origin{t: t, dir: t.TempDir(), port: findAvailablePort(t)}

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(o.dir)))
	o.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", o.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Logf("origin server error: %v", err)
		}
	}()

	waitForServer(t, o.URL(""), 5*time.Second)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.httpServer.Shutdown(ctx)
	})
	t.Logf("origin started on port %d", o.port)
	return o
}

// Put writes content to name, replacing any previous version.
func (o *Origin) Put(name, content string) {
	o.t.Helper()
	// Write then rename so a concurrent fetch never sees a partial file.
	tmp := filepath.Join(o.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		o.t.Fatalf("failed to write %s: %v", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(o.dir, name)); err != nil {
		o.t.Fatalf("failed to publish %s: %v", name, err)
	}
}

// URL returns the absolute URL of name on the origin.
func (o *Origin) URL(name string) string {
	return fmt.Sprintf("http://localhost:%d/%s", o.port, name)
}

// Instance is one running dashlive process.
type Instance struct {
	ID       string
	HTTPPort int
	RaftAddr string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
}

// StartDashlive runs "dashlive serve" against manifestURL with args
// appended, and waits for its health endpoint.
func StartDashlive(t *testing.T, manifestURL string, args ...string) *Instance {
	t.Helper()

	inst := &Instance{ID: "dashlive", HTTPPort: findAvailablePort(t)}
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel

	full := append([]string{"serve",
		"--port", fmt.Sprintf("%d", inst.HTTPPort),
		"--log-level", "debug",
	}, args...)
	full = append(full, manifestURL)

	inst.cmd = exec.CommandContext(ctx, findBinary(t), full...)
	inst.cmd.Stdout = os.Stdout
	inst.cmd.Stderr = os.Stderr
	if err := inst.cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start dashlive: %v", err)
	}
	t.Cleanup(inst.Stop)

	waitForServer(t, inst.URL("/health"), 15*time.Second)
	t.Logf("dashlive started on port %d", inst.HTTPPort)
	return inst
}

// Stop kills the process.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	if i.cmd != nil && i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
		_ = i.cmd.Wait()
	}
}

// URL returns the absolute URL of path on the instance.
func (i *Instance) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", i.HTTPPort, path)
}

// Get fetches path and returns the status code and body.
func (i *Instance) Get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(i.URL(path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// Post sends an empty POST to path and returns the status code.
func (i *Instance) Post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(i.URL(path), "text/plain", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// Master fetches and decodes the master playlist.
func (i *Instance) Master(t *testing.T) *m3u8.MasterPlaylist {
	t.Helper()
	pl := i.decode(t, "/playlist.m3u8", m3u8.MASTER)
	return pl.(*m3u8.MasterPlaylist)
}

// Media fetches and decodes the media playlist at uri.
func (i *Instance) Media(t *testing.T, uri string) *m3u8.MediaPlaylist {
	t.Helper()
	pl := i.decode(t, uri, m3u8.MEDIA)
	return pl.(*m3u8.MediaPlaylist)
}

func (i *Instance) decode(t *testing.T, path string, want m3u8.ListType) m3u8.Playlist {
	t.Helper()
	status, body := i.Get(t, path)
	if status != http.StatusOK {
		t.Fatalf("GET %s: unexpected status %d: %s", path, status, body)
	}
	pl, typ, err := m3u8.DecodeFrom(strings.NewReader(body), true)
	if err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	if typ != want {
		t.Fatalf("%s: unexpected playlist type %v", path, typ)
	}
	return pl
}

// Health fetches and decodes the health report.
func (i *Instance) Health(t *testing.T) map[string]any {
	t.Helper()
	status, body := i.Get(t, "/health")
	if status != http.StatusOK {
		t.Fatalf("unexpected health status %d", status)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	return health
}

// Segments returns the non-nil segments of pl.
func Segments(pl *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	var out []*m3u8.MediaSegment
	for _, s := range pl.Segments {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// findBinary locates the dashlive binary.
func findBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../dashlive",          // From test/integration
		"./dashlive",              // From project root
		"./cmd/dashlive/dashlive", // Built in place
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs
		}
	}

	t.Skip("dashlive binary not found. Run 'go build -o dashlive ./cmd/dashlive' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

// WaitForCondition polls until condition holds or timeout passes.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}
