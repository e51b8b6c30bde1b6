package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/mq2t-core/internal/infrastructure/config"
	"github.com/nerrad567/mq2t-core/internal/infrastructure/mqtt"
)

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.PacketSent("CONNECT")

	srv := NewServer(config.MetricsConfig{Path: "/metrics"}, reg, nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `mq2t_mqtt_packets_sent_total{kind="CONNECT"} 1`) {
		t.Errorf("GET /metrics body missing packets_sent_total:\n%s", rec.Body.String())
	}
}

func TestServer_Healthz(t *testing.T) {
	tests := []struct {
		name     string
		health   HealthFunc
		wantCode int
		wantBody string
	}{
		{"no check", nil, http.StatusOK, "ok"},
		{"healthy", func(context.Context) error { return nil }, http.StatusOK, "ok"},
		{"unhealthy", func(context.Context) error { return mqtt.ErrNotConnected }, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(config.MetricsConfig{}, prometheus.NewRegistry(), tt.health, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("GET /healthz status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.HasPrefix(rec.Body.String(), tt.wantBody) {
				t.Errorf("GET /healthz body = %q, want prefix %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	srv := NewServer(config.MetricsConfig{}, prometheus.NewRegistry(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("GET /healthz body = %q, want ok", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServer_RunBadAddress(t *testing.T) {
	srv := NewServer(config.MetricsConfig{Listen: "256.0.0.1:bad"}, prometheus.NewRegistry(), nil, nil)
	if err := srv.Run(context.Background()); err == nil || errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want listen failure", err)
	}
}
