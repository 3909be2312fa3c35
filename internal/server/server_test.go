package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stormline/internal/config"
	"stormline/internal/db"
	"stormline/internal/domain"
	"stormline/internal/engine"
	"stormline/internal/llm"
	"stormline/internal/logging"
	"stormline/internal/migrate"
	"stormline/internal/progress"
	"stormline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOption func(*Config)

func newTestServer(t *testing.T, opts ...serverOption) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pipeline := config.Default().Pipeline
	pipeline.Extended = false
	cfg := Config{
		Engine:   engine.New(conn, &llm.Simulator{}, pipeline, nil),
		Repo:     repo.New(conn),
		Registry: progress.NewRegistry(),
		BasePath: "/api",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", string(body), err)
	}
	return env.Error.Code
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	var h HealthResponse
	if err := json.Unmarshal(body, &h); err != nil || h.Status != "ok" || h.Timestamp == "" {
		t.Fatalf("health body %s: %v", string(body), err)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestAnalyzeWithoutSubscriber(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/analyze", map[string]any{
		"document":  "# 쇼핑몰\n주문 기능",
		"sessionId": "nobody-listening",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(body))
	}
	var result domain.AnalysisResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.EventStorming.Events) == 0 || result.EventStorming.Diagram == "" {
		t.Fatalf("unexpected result: %s", string(body))
	}
}

func TestAnalyzeRejectsEmptyDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/analyze", map[string]any{"document": "   "}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "bad_request" {
		t.Fatalf("code = %s", code)
	}
}

func TestAnalyzeGenerationFailure(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) {
		c.Engine.Generator = &llm.Simulator{FailPhase: domain.PhaseDiscussion}
	})
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/analyze", map[string]any{"document": "doc"}, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "generation_failed" {
		t.Fatalf("code = %s", code)
	}
	if strings.Contains(string(body), "simulated") {
		t.Fatalf("internal cause leaked: %s", string(body))
	}
}

// readEvents reads data frames until a terminal notification or EOF.
func readEvents(t *testing.T, r *bufio.Reader, connected chan<- struct{}) []progress.Notification {
	t.Helper()
	var out []progress.Notification
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return out
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var n progress.Notification
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &n); err != nil {
			t.Errorf("decode frame %q: %v", line, err)
			return out
		}
		out = append(out, n)
		if n.Type == progress.KindConnected && connected != nil {
			close(connected)
			connected = nil
		}
		if n.Terminal() {
			return out
		}
	}
}

func TestProgressStreamEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/analyze/progress/sess-1", nil)
	stream, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %s", ct)
	}

	connected := make(chan struct{})
	done := make(chan []progress.Notification, 1)
	go func() { done <- readEvents(t, bufio.NewReader(stream.Body), connected) }()

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatalf("no connected handshake")
	}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/analyze", map[string]any{
		"document":  "doc",
		"sessionId": "sess-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(body))
	}

	var events []progress.Notification
	select {
	case events = <-done:
	case <-ctx.Done():
		t.Fatalf("stream did not finish")
	}
	if len(events) < 3 {
		t.Fatalf("too few events: %+v", events)
	}
	if events[0].Type != progress.KindConnected || events[len(events)-1].Type != progress.KindComplete {
		t.Fatalf("stream = %+v", events)
	}
	var sawFull bool
	for _, n := range events {
		if n.SessionID != "sess-1" {
			t.Fatalf("foreign session in stream: %+v", n)
		}
		if n.Type == progress.KindProgress && n.Percentage == 100 {
			sawFull = true
		}
	}
	if !sawFull {
		t.Fatalf("never reached 100%%: %+v", events)
	}
}

func TestShareLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.PublicURL = "https://storm.example" })
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/shares", map[string]any{
		"document": "# 쇼핑몰\n<script>alert(1)</script>",
		"analysis": map[string]any{
			"eventStorming": map[string]any{"events": []string{"주문 생성됨"}, "diagram": "flowchart LR\n"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create share %d: %s", res.StatusCode, string(body))
	}
	var created ShareResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode share: %v", err)
	}
	if len(created.ShareID) != 8 || created.ShareURL != "https://storm.example/share/"+created.ShareID {
		t.Fatalf("share response = %+v", created)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/shares/"+created.ShareID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get share %d: %s", res.StatusCode, string(body))
	}
	var rec domain.ShareRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec.Analysis.EventStorming.Events[0] != "주문 생성됨" || rec.Analysis.Discussion == nil {
		t.Fatalf("record = %+v", rec)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/share/"+created.ShareID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("share page %d", res.StatusCode)
	}
	page := string(body)
	if !strings.Contains(page, "<h1>쇼핑몰</h1>") || strings.Contains(page, "<script>alert(1)</script>") {
		t.Fatalf("share page not rendered safely:\n%s", page)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/api/shares/unknown1", nil, nil)
	if res.StatusCode != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
}

func TestCreateShareRequiresDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/shares", map[string]any{
		"document": "",
		"analysis": map[string]any{},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(body))
	}
}

func TestAuthGuardsPosts(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServer(t, func(c *Config) { c.Auth.JWTSecret = secret })
	defer cleanup()
	client := srv.Client()
	payload := map[string]any{"document": "doc"}

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/api/analyze", payload, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("missing token: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/analyze", payload, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(body))
	}
	wrong, err := SignToken("other-secret", "alice", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/analyze", payload, map[string]string{"Authorization": "Bearer " + wrong})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret accepted: %d", res.StatusCode)
	}

	token, err := SignToken(secret, "alice", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/api/analyze", payload, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token rejected: %d %s", res.StatusCode, string(body))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay public: %d", res.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, p := range []string{"/api/analyze", "/api/shares", "/api/analyze/progress/{session_id}"} {
		if !strings.Contains(string(body), p) {
			t.Fatalf("openapi missing %s", p)
		}
	}
}

func TestSignTokenRoundTrip(t *testing.T) {
	tok, err := SignToken("s3cret", "bob", 0, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p, err := authenticateJWT(tok, "s3cret")
	if err != nil || p.Subject != "bob" {
		t.Fatalf("authenticate: %+v %v", p, err)
	}
	if _, err := SignToken("", "bob", 0, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestCachedDocumentBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	h := cachedDocument(func() ([]byte, error) {
		builds.Add(1)
		return []byte(`{"openapi":"3.1.0"}`), nil
	}, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))
			if rec.Code != http.StatusOK || rec.Body.String() != `{"openapi":"3.1.0"}` {
				t.Errorf("got %d %q", rec.Code, rec.Body.String())
			}
		}()
	}
	wg.Wait()
	if n := builds.Load(); n != 1 {
		t.Fatalf("document built %d times, want 1", n)
	}
}

func TestCachedDocumentBuildFailure(t *testing.T) {
	h := cachedDocument(func() ([]byte, error) {
		return nil, errors.New("unsupported type")
	}, logging.Discard())
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/api/openapi.json", nil))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if code := errorCode(t, rec.Body.Bytes()); code != "internal_error" {
			t.Fatalf("code = %q", code)
		}
	}
}
