package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/portal-relay/internal/metrics"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, m *metrics.Metrics, setup func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, m)
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), metrics.New(), nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), metrics.New(), func(s *Server) {
		s.AddReadyCheck("peer", func() error { return errors.New("peer process not running") })
	})

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["check"] != "peer" || body["error"] != "peer process not running" {
		t.Fatalf("body=%v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.BridgeConnections)
	baseURL := startTestServer(t, testConfig(), m, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `portal_relay_events_total{event="bridge_connections"} 1`) {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}

func TestRequestIDIsGeneratedOrEchoed(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), metrics.New(), nil)

	resp, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if _, err := uuid.Parse(resp.Header.Get("X-Request-ID")); err != nil {
		t.Fatalf("X-Request-ID=%q is not a uuid: %v", resp.Header.Get("X-Request-ID"), err)
	}

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "client-id")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "client-id" {
		t.Fatalf("X-Request-ID=%q, want client-id", got)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://portal.example.com"}
	baseURL := startTestServer(t, cfg, metrics.New(), nil)

	t.Run("rejects", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("allows", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("Origin", "https://portal.example.com:443")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://portal.example.com" {
			t.Fatalf("Access-Control-Allow-Origin=%q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, baseURL+"/api/portal", nil)
		req.Header.Set("Origin", "https://portal.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "Content-Type" {
			t.Fatalf("Access-Control-Allow-Headers=%q", got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Fatalf("Access-Control-Allow-Methods=%q", got)
		}
	})
}

func TestOriginPolicy_DefaultAllowsAnyOrigin(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), metrics.New(), nil)

	for _, o := range []string{"tauri://localhost", "chrome-extension://abcdef", "http://localhost:5173"} {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		req.Header.Set("Origin", o)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("origin %q: expected 200, got %d", o, resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != o {
			t.Fatalf("origin %q: Access-Control-Allow-Origin=%q", o, got)
		}
	}

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/api/portal", nil)
	req.Header.Set("Origin", "tauri://localhost")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "tauri://localhost" {
		t.Fatalf("preflight: Access-Control-Allow-Origin=%q", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), metrics.New(), func(s *Server) {
		s.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	})

	resp, err := http.Get(baseURL + "/boom")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", resp.StatusCode)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	baseURL := startTestServer(t, testConfig(), metrics.New(), func(s *Server) {
		s.Mux().HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			mt, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			_ = c.WriteMessage(mt, msg)
		})
	})

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.BinaryMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != "hi" {
		t.Fatalf("msg=%q", msg)
	}
}
