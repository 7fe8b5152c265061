package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/driftchat/matchmaker/internal/config"
	"github.com/driftchat/matchmaker/internal/ledger"
	"github.com/driftchat/matchmaker/internal/matchmaker"
	"github.com/driftchat/matchmaker/internal/metrics"
	"github.com/driftchat/matchmaker/internal/profile"
	"github.com/driftchat/matchmaker/internal/signaling"
	"github.com/driftchat/matchmaker/internal/turnrest"
)

func newTestServer(t *testing.T, cfg config.Config, turn *turnrest.Generator) (*Server, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, log, BuildInfo{Commit: "abc123", BuildTime: "2026-08-28"}, metrics.New(), turn)
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, config.Config{}, nil)

	var body map[string]any
	resp := getJSON(t, ts.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyzTracksServingState(t *testing.T) {
	s, ts := newTestServer(t, config.Config{}, nil)

	if resp := getJSON(t, ts.URL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("before serving: status = %d", resp.StatusCode)
	}

	s.ready.Store(true)
	if resp := getJSON(t, ts.URL+"/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("while serving: status = %d", resp.StatusCode)
	}
}

func TestVersion(t *testing.T) {
	_, ts := newTestServer(t, config.Config{}, nil)

	var body BuildInfo
	getJSON(t, ts.URL+"/version", &body)
	if body.Commit != "abc123" {
		t.Fatalf("commit = %q", body.Commit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, ts := newTestServer(t, config.Config{}, nil)
	s.met.Inc(metrics.MatchesCreated)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "matches_created") {
		t.Fatalf("scrape output missing counter:\n%s", b)
	}
}

func TestICEWithoutTURNREST(t *testing.T) {
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}
	_, ts := newTestServer(t, cfg, nil)

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	resp := getJSON(t, ts.URL+"/webrtc/ice", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.ICEServers) != 1 {
		t.Fatalf("iceServers = %+v", body.ICEServers)
	}
}

func TestICEMintsTURNCredentials(t *testing.T) {
	turn, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "driftchat",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
	}
	_, ts := newTestServer(t, cfg, turn)

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt int64 `json:"expiresAt"`
	}
	getJSON(t, ts.URL+"/webrtc/ice?userId=alice", &body)

	if len(body.ICEServers) != 2 {
		t.Fatalf("iceServers = %+v", body.ICEServers)
	}
	if body.ICEServers[0].Username != "" {
		t.Fatal("stun entry must stay credential-free")
	}
	turnEntry := body.ICEServers[1]
	if !strings.HasSuffix(turnEntry.Username, ":driftchat:alice") {
		t.Fatalf("turn username = %q", turnEntry.Username)
	}
	if turnEntry.Credential == "" {
		t.Fatal("turn credential missing")
	}
	if body.ExpiresAt == 0 {
		t.Fatal("expiresAt missing")
	}
}

func TestICERejectsBadUserID(t *testing.T) {
	turn, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "driftchat",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, ts := newTestServer(t, config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
	}, turn)

	resp := getJSON(t, ts.URL+"/webrtc/ice?userId=evil:user", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	_, ts := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, nil)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin %q for unlisted origin", got)
	}
}

// The middleware chain wraps every route in the logging response writer, and
// the /ws upgrade hijacks the connection through it. This dials the endpoint
// mounted exactly as the binary mounts it.
func TestWSUpgradeThroughMiddlewareChain(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	met := metrics.New()
	cfg := config.Config{
		AuthMode:                      config.AuthModeNone,
		SendQueueSize:                 32,
		MaxSignalingMessageBytes:      64 << 10,
		MaxSignalingMessagesPerSecond: 200,
		SignalingAuthTimeout:          2 * time.Second,
		SignalingWSIdleTimeout:        30 * time.Second,
		SignalingWSPingInterval:       10 * time.Second,
		MaxQueueWait:                  time.Minute,
	}

	reg := matchmaker.NewRegistry(log, met)
	pool := matchmaker.New(matchmaker.Config{MaxQueueWait: cfg.MaxQueueWait}, reg, log, met)
	rooms := matchmaker.NewRoomManager(log, met)
	debits := ledger.NewDebitWorker(ledger.NewMemLedger(), log, met, 16, time.Second)
	t.Cleanup(debits.Close)

	sig, err := signaling.NewServer(cfg, log, met, reg, pool, rooms, profile.NewStaticDirectory(10), debits)
	if err != nil {
		t.Fatal(err)
	}

	s := New(cfg, log, BuildInfo{}, met, nil)
	s.Mux().Handle("GET /ws", s.WSOriginGuard(sig))
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?userId=alice"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial through middleware chain: %v (status %d)", err, status)
	}
	defer conn.Close()

	// The upgraded connection must be fully usable, not just accepted.
	if err := conn.WriteJSON(map[string]any{"type": "joinMatchingQueue"}); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev matchmaker.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read after upgrade: %v", err)
	}
	if ev.Type != matchmaker.EventMatchingStatus {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWSOriginGuard(t *testing.T) {
	s, _ := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, nil)

	called := false
	h := s.WSOriginGuard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	cases := []struct {
		name       string
		origin     string
		wantStatus int
		wantCalled bool
	}{
		{"no origin passes", "", http.StatusOK, true},
		{"allowed origin passes", "https://app.example.com", http.StatusOK, true},
		{"other origin rejected", "https://evil.example.com", http.StatusForbidden, false},
		{"garbage origin rejected", "not a url", http.StatusForbidden, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if called != tc.wantCalled {
				t.Fatalf("called = %v, want %v", called, tc.wantCalled)
			}
		})
	}
}
