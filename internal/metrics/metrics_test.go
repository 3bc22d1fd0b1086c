package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/archipel-mesh/archipel/internal/config"
)

func TestNew_CountersStartAtZero(t *testing.T) {
	reg := New()
	reg.FramesSent.WithLabelValues("HELLO").Inc()
	reg.FramesReceived.WithLabelValues("HELLO").Inc()
	reg.FramesReceived.WithLabelValues("HELLO").Inc()

	if got := testutil.ToFloat64(reg.FramesSent.WithLabelValues("HELLO")); got != 1 {
		t.Errorf("FramesSent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(reg.FramesReceived.WithLabelValues("HELLO")); got != 2 {
		t.Errorf("FramesReceived = %v, want 2", got)
	}
}

func TestStartServer_DisabledReturnsNil(t *testing.T) {
	reg := New()
	srv, err := StartServer(config.MetricsConfig{Enabled: false}, reg)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if srv != nil {
		t.Error("StartServer() with Enabled=false should return a nil server")
	}
}

func TestStartServer_ServesMetrics(t *testing.T) {
	reg := New()
	reg.PeersActive.Set(3)

	cfg := config.MetricsConfig{Enabled: true, Addr: "127.0.0.1", Port: 0}
	// port 0 lets the OS pick a free port; find it back out via a fixed
	// port instead so the test client knows where to dial.
	cfg.Port = 29_477

	srv, err := StartServer(cfg, reg)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	defer srv.Stop(context.Background())

	var resp *http.Response
	for i := 0; i < 20; i++ {
		resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", cfg.Port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !contains(string(body), "archipel_peers_active 3") {
		t.Errorf("metrics output missing archipel_peers_active gauge, got:\n%s", body)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
