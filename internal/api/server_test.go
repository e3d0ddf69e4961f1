package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/anstrom/cidrsweep/internal/api/handlers"
	"github.com/anstrom/cidrsweep/internal/api/middleware"
	"github.com/anstrom/cidrsweep/internal/config"
	"github.com/anstrom/cidrsweep/internal/engine"
	"github.com/anstrom/cidrsweep/internal/logging"
	"github.com/anstrom/cidrsweep/internal/metrics"
	"github.com/anstrom/cidrsweep/internal/probe"
	"github.com/anstrom/cidrsweep/internal/scan"
)

const testAPIKey = "cs_servertestkey0123456789"

type reachableProber struct{ addr netip.Addr }

func (p reachableProber) Probe(_ context.Context, target probe.Target) probe.Outcome {
	if target.Addr == p.addr {
		return probe.Reached(target, time.Millisecond)
	}
	return probe.Unreachable(target, probe.ReasonTimeout, time.Millisecond)
}

// panicScanner fails every request inside the handler.
type panicScanner struct{}

func (panicScanner) Run(context.Context, scan.Request) (<-chan scan.Event, error) {
	panic("scanner exploded")
}

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 18080
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, scanner handlers.Scanner) (*Server, *httptest.Server) {
	t.Helper()
	if scanner == nil {
		eng := engine.New(reachableProber{netip.MustParseAddr("192.0.2.1")}, engine.WithLogger(logging.Discard()))
		scanner = scan.NewScanner(eng, scan.WithLogger(logging.Discard()))
	}
	s, err := New(cfg, scanner, WithLogger(logging.Discard()), WithMetrics(metrics.NewPrometheusMetrics()))
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestNewServer(t *testing.T) {
	t.Run("requires config and scanner", func(t *testing.T) {
		_, err := New(nil, panicScanner{})
		assert.Error(t, err)
		_, err = New(createTestConfig(), nil)
		assert.Error(t, err)
	})

	t.Run("uses api address", func(t *testing.T) {
		s, err := New(createTestConfig(), panicScanner{}, WithLogger(logging.Discard()))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:18080", s.GetAddress())
		assert.NotNil(t, s.GetRouter())
		assert.NotNil(t, s.Handler())
	})
}

func TestPublicEndpoints(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), nil)

	for _, path := range []string{"/api/v1/liveness", "/api/v1/health", "/api/v1/version", "/api/v1/ports"} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), nil)

	// generate a request to count
	resp, err := http.Get(ts.URL + "/api/v1/liveness")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cidrsweep_api_")
}

func TestScanEndpoint(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), nil)

	resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json",
		strings.NewReader(`{"ranges": ["192.0.2.0/30"], "port": 8443}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, handlers.NDJSONContentType, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(body), []byte("\n"))

	var last handlers.StreamEvent
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &last))
	assert.Equal(t, scan.EventScanCompleted, last.Type)
	assert.Equal(t, "192.0.2.1", last.Artifact)
	assert.Equal(t, "results_port_8443.txt", last.ArtifactName)
}

func TestScanEndpointRejectsNonJSON(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), nil)

	resp, err := http.Post(ts.URL+"/api/v1/scans", "text/plain", strings.NewReader("192.0.2.0/30"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), nil)

	resp, err := http.Post(ts.URL+"/api/v1/health", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := createTestConfig()
	cfg.API.APIKeys = []string{string(hash)}
	_, ts := newTestServer(t, cfg, nil)

	t.Run("public endpoints stay open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/v1/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("scans require a key", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json", strings.NewReader(`{"ranges": ["192.0.2.0/30"]}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid key is accepted", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/scans", strings.NewReader(`{"ranges": ["192.0.2.0/30"]}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.APIKeyHeader, testAPIKey)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("websocket with query key", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/scans/ws?api_key=" + testAPIKey
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_ = resp.Body.Close()
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.WriteJSON(handlers.ScanRequest{Text: "192.0.2.0/31"}))

		var msg handlers.WebSocketMessage
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, string(scan.EventRangeStarted), msg.Type)
	})

	t.Run("websocket without key", func(t *testing.T) {
		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/scans/ws"
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestCORS(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.CORS.Enabled = true
	cfg.API.CORS.AllowedOrigins = []string{"https://ui.example"}
	_, ts := newTestServer(t, cfg, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	_, ts := newTestServer(t, createTestConfig(), panicScanner{})

	resp, err := http.Post(ts.URL+"/api/v1/scans", "application/json", strings.NewReader(`{"ranges": ["192.0.2.0/30"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// the server keeps serving
	resp2, err := http.Get(ts.URL + "/api/v1/liveness")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestServerStartStop(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.Port = freePort(t)
	s, err := New(cfg, panicScanner{}, WithLogger(logging.Discard()), WithMetrics(metrics.NewPrometheusMetrics()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.GetAddress() + "/api/v1/liveness")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.Listener.Addr().String()
	ts.Close()
	ap, err := netip.ParseAddrPort(addr)
	require.NoError(t, err)
	return int(ap.Port())
}
