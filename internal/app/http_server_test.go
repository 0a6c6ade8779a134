package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/dmsilantev/insurance-oms/internal/health"
	"github.com/dmsilantev/insurance-oms/internal/version"
)

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")

	port := findFreePort(t)
	addr := fmt.Sprintf(":%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	srv := startMetricsServer(ctx, addr, logger, healthHandler)
	if srv == nil {
		t.Fatal("startMetricsServer should not return nil")
	}

	waitForServer(t, port)

	endpoints := map[string]int{
		"/metrics": http.StatusOK,
		"/healthz": http.StatusOK,
		"/livez":   http.StatusOK,
		"/readyz":  http.StatusOK,
	}
	for path, wantStatus := range endpoints {
		url := fmt.Sprintf("http://localhost:%d%s", port, path)
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("failed to get %s: %v", path, err)
		}
		if resp.StatusCode != wantStatus {
			t.Errorf("%s returned status %d, expected %d", path, resp.StatusCode, wantStatus)
		}
		resp.Body.Close()
	}

	metricsURL := fmt.Sprintf("http://localhost:%d/metrics", port)
	resp, err := http.Get(metricsURL)
	if err != nil {
		t.Fatalf("failed to get /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("/metrics should return non-empty response")
	}
}

func TestStartMetricsServer_ReadinessReflectsCheckers(t *testing.T) {
	logger := log.WithField("test", "http-readiness")

	port := findFreePort(t)
	addr := fmt.Sprintf(":%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func() error {
		return fmt.Errorf("storage is down")
	}))
	startMetricsServer(ctx, addr, logger, healthHandler)

	waitForServer(t, port)

	readyzURL := fmt.Sprintf("http://localhost:%d/readyz", port)
	resp, err := http.Get(readyzURL)
	if err != nil {
		t.Fatalf("failed to get /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from /readyz with failing checker, got %d", resp.StatusCode)
	}

	healthzURL := fmt.Sprintf("http://localhost:%d/healthz", port)
	resp2, err := http.Get(healthzURL)
	if err != nil {
		t.Fatalf("failed to get /healthz: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from /healthz with failing checker, got %d", resp2.StatusCode)
	}
}

func TestStartMetricsServer_Shutdown(t *testing.T) {
	logger := log.WithField("test", "http-shutdown")

	port := findFreePort(t)
	addr := fmt.Sprintf(":%d", port)

	ctx, cancel := context.WithCancel(context.Background())

	healthHandler := healthcheck.NewHandler(version.Current().Version)
	srv := startMetricsServer(ctx, addr, logger, healthHandler)
	if srv == nil {
		t.Fatal("startMetricsServer should not return nil")
	}

	waitForServer(t, port)

	cancel()
	time.Sleep(200 * time.Millisecond)

	url := fmt.Sprintf("http://localhost:%d/livez", port)
	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after context cancellation")
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	logger := log.WithField("test", "http-nil")

	// Не должно паниковать.
	shutdownHTTP(nil, time.Second, logger)
}

func TestShutdownHTTP_WithServer(t *testing.T) {
	logger := log.WithField("test", "http-shutdown-func")

	port := findFreePort(t)
	addr := fmt.Sprintf(":%d", port)

	mux := http.NewServeMux()
	mux.HandleFunc("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()

	waitForServer(t, port)

	shutdownHTTP(srv, time.Second, logger)

	time.Sleep(100 * time.Millisecond)
	url := fmt.Sprintf("http://localhost:%d/test", port)
	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after shutdownHTTP")
	}
}

// findFreePort находит свободный порт для тестов.
func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// waitForServer дожидается, пока HTTP-сервер начнёт принимать соединения.
func waitForServer(t *testing.T, port int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not start in time", port)
}
