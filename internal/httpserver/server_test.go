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
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/config"
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

func startTestServer(t *testing.T, srv *Server) (baseURL string) {
	t.Helper()

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

func newTestServer(cfg config.Config) *Server {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, log, BuildInfo{Commit: "abc", BuildTime: "time"})
}

func getJSON(t *testing.T, url string, header http.Header) (int, map[string]any, http.Header) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp.StatusCode, body, resp.Header
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig()))

	t.Run("healthz", func(t *testing.T) {
		status, body, hdr := getJSON(t, baseURL+"/healthz", nil)
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if hdr.Get("X-Request-ID") == "" {
			t.Fatalf("expected X-Request-ID response header")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		status, body, _ := getJSON(t, baseURL+"/readyz", nil)
		if status != http.StatusOK || body["ready"] != true {
			t.Fatalf("status=%d body=%v, want ready", status, body)
		}
	})

	t.Run("version", func(t *testing.T) {
		status, body, _ := getJSON(t, baseURL+"/version", nil)
		if status != http.StatusOK {
			t.Fatalf("status=%d, want %d", status, http.StatusOK)
		}
		if body["commit"] != "abc" || body["buildTime"] != "time" {
			t.Fatalf("body=%v", body)
		}
	})
}

func TestReadyzRunsChecks(t *testing.T) {
	srv := newTestServer(testConfig())
	var broken atomic.Bool
	srv.AddReadinessCheck("overlay", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("no deadline")
		}
		if broken.Load() {
			return errors.New("broker unreachable")
		}
		return nil
	})
	baseURL := startTestServer(t, srv)

	if status, _, _ := getJSON(t, baseURL+"/readyz", nil); status != http.StatusOK {
		t.Fatalf("status=%d, want 200", status)
	}

	broken.Store(true)
	status, body, _ := getJSON(t, baseURL+"/readyz", nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", status)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "overlay: broker unreachable") {
		t.Fatalf("error=%q", msg)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, newTestServer(cfg))

	if status, _, _ := getJSON(t, baseURL+"/readyz", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
	if status, _, _ := getJSON(t, baseURL+"/ice", nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected /ice 503, got %d", status)
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, newTestServer(cfg))

	status, body, _ := getJSON(t, baseURL+"/ice", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 2 {
		t.Fatalf("iceServers=%#v, want 2 entries", body["iceServers"])
	}
	first, _ := servers[0].(map[string]any)
	if _, ok := first["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", first)
	}
}

func TestICEEndpoint_EmptyListIsArray(t *testing.T) {
	baseURL := startTestServer(t, newTestServer(testConfig()))

	status, body, _ := getJSON(t, baseURL+"/ice", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if servers, ok := body["iceServers"].([]any); !ok || len(servers) != 0 {
		t.Fatalf("iceServers=%#v, want []", body["iceServers"])
	}
}

func TestICEEndpoint_OriginPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, newTestServer(cfg))

	status, _, _ := getJSON(t, baseURL+"/ice", http.Header{"Origin": {"https://evil.example.com"}})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}

	status, _, hdr := getJSON(t, baseURL+"/ice", http.Header{"Origin": {"https://app.example.com"}})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if got := hdr.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/ice", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	srv := newTestServer(testConfig())
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	baseURL := startTestServer(t, srv)

	if status, _, _ := getJSON(t, baseURL+"/boom", nil); status != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", status)
	}
	if status, _, _ := getJSON(t, baseURL+"/healthz", nil); status != http.StatusOK {
		t.Fatalf("server unhealthy after panic: %d", status)
	}
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	srv := newTestServer(testConfig())
	upgrader := websocket.Upgrader{}
	srv.Mux().HandleFunc("GET /echo", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(mt, data)
	})
	baseURL := startTestServer(t, srv)

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/echo", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil || string(data) != "hi" {
		t.Fatalf("read=%q err=%v", data, err)
	}
}
