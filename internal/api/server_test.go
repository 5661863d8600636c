package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type stubResults struct {
	data map[string][]byte
}

func (s stubResults) GetResults(_ context.Context, id string) ([]byte, error) {
	if b, ok := s.data[id]; ok {
		return b, nil
	}
	return nil, errors.New("run not found")
}

type stubTelemetry struct {
	gotLimit int
}

func (s *stubTelemetry) GetTelemetry(_ context.Context, id string, limit int) ([]TelemetryRecord, error) {
	s.gotLimit = limit
	if id == "missing" {
		return nil, nil
	}
	return []TelemetryRecord{{RunID: id, Command: "check pinning", PinnedCount: 1}}, nil
}

type stubHealth struct {
	checkErr error
	readyErr error
}

func (s stubHealth) Check(context.Context) error { return s.checkErr }
func (s stubHealth) Ready(context.Context) error { return s.readyErr }

// managerJobs adapts JobManager to JobService the way the serve command does, minus the runner.
type managerJobs struct {
	m *JobManager
}

func (j managerJobs) StartJob(_ context.Context, req JobRequest) (*Job, error) {
	if !req.ROEConfirm {
		return nil, errors.New("roe_confirm must be true")
	}
	return j.m.CreateExclusiveJob("pinning", req.RunID, req.Apps)
}

func (j managerJobs) GetJob(_ context.Context, id string) (*Job, error) {
	return j.m.GetJob(id), nil
}

func (j managerJobs) ListJobs(_ context.Context, limit int) ([]Job, error) {
	return j.m.ListJobs(limit), nil
}

func (j managerJobs) Subscribe() (chan Job, func()) { return j.m.Subscribe() }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	return NewServer(cfg)
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusCreated, map[string]string{"status": "ok"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content-type, got %s", got)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestWriteErrorSanitizesServerErrors(t *testing.T) {
	s := &Server{cfg: Config{Logger: zaptest.NewLogger(t)}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)

	rr := httptest.NewRecorder()
	s.writeError(rr, req, http.StatusInternalServerError, errors.New("disk on fire"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk on fire") || !strings.Contains(rr.Body.String(), "internal server error") {
		t.Fatalf("expected sanitized message, got %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.writeError(rr, req, http.StatusBadRequest, errors.New("bad input"))
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "bad input") {
		t.Fatalf("expected original client error, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	tests := []struct {
		name   string
		health stubHealth
		path   string
		want   int
	}{
		{"health ok", stubHealth{}, "/api/v1/health", http.StatusOK},
		{"health failing", stubHealth{checkErr: errors.New("results dir missing")}, "/api/v1/health", http.StatusInternalServerError},
		{"ready ok", stubHealth{}, "/api/v1/ready", http.StatusOK},
		{"ready failing", stubHealth{readyErr: errors.New("no CA")}, "/api/v1/ready", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, Config{Health: tt.health, AuthToken: "secret"})
			rr := do(t, srv, http.MethodGet, tt.path, "", nil)
			if rr.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
			if rr.Header().Get("X-Request-ID") == "" {
				t.Fatal("expected request ID header")
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, Config{
		Results:   stubResults{data: map[string][]byte{"run-1": []byte(`{"results":[]}`)}},
		AuthToken: "secret",
	})

	if rr := do(t, srv, http.MethodGet, "/api/v1/results/run-1", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/results/run-1", "", map[string]string{"X-Auth-Token": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	rr := do(t, srv, http.MethodGet, "/api/v1/results/run-1", "", map[string]string{"X-Auth-Token": "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
	if rr.Body.String() != `{"results":[]}` {
		t.Fatalf("expected raw results body, got %s", rr.Body.String())
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/results/run-1?token=secret", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rr.Code)
	}
}

func TestResultsNotFound(t *testing.T) {
	srv := newTestServer(t, Config{Results: stubResults{}})
	if rr := do(t, srv, http.MethodGet, "/api/v1/results/nope", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestTelemetryLimit(t *testing.T) {
	tel := &stubTelemetry{}
	srv := newTestServer(t, Config{Telemetry: tel, TelemetryLimit: 7})

	rr := do(t, srv, http.MethodGet, "/api/v1/telemetry/run-1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if tel.gotLimit != 7 {
		t.Fatalf("expected configured limit 7, got %d", tel.gotLimit)
	}
	var records []TelemetryRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].RunID != "run-1" {
		t.Fatalf("unexpected records: %+v", records)
	}

	do(t, srv, http.MethodGet, "/api/v1/telemetry/run-1?limit=3", "", nil)
	if tel.gotLimit != 3 {
		t.Fatalf("expected query limit 3, got %d", tel.gotLimit)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/telemetry/missing", "", nil)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rr.Body.String())
	}
}

func TestStartJobLifecycle(t *testing.T) {
	jm := NewJobManager()
	srv := newTestServer(t, Config{Jobs: managerJobs{m: jm}})

	rr := do(t, srv, http.MethodPost, "/api/v1/jobs", `{"run_id":"r1","apps":["com.example.app"]}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without roe_confirm, got %d", rr.Code)
	}

	rr = do(t, srv, http.MethodPost, "/api/v1/jobs", `{not json`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad JSON, got %d", rr.Code)
	}

	body := `{"run_id":"r1","apps":["com.example.app"],"roe_confirm":true}`
	rr = do(t, srv, http.MethodPost, "/api/v1/jobs", body, nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rr.Code, rr.Body.String())
	}
	var job Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != JobPending || job.RunID != "r1" {
		t.Fatalf("unexpected job: %+v", job)
	}

	rr = do(t, srv, http.MethodPost, "/api/v1/jobs", body, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a job is pending, got %d", rr.Code)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/jobs/"+job.ID, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for job lookup, got %d", rr.Code)
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/jobs/job_missing", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rr.Code)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/jobs", "", nil)
	var jobs []Job
	if err := json.Unmarshal(rr.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, Config{CORSOrigins: []string{"https://dash.example"}})

	rr := do(t, srv, http.MethodOptions, "/api/v1/jobs", "", map[string]string{"Origin": "https://dash.example"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("expected allowed origin echoed, got %q", got)
	}

	rr = do(t, srv, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "https://evil.example"})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for unknown origin, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: 1, RateBurst: 2})
	hdr := map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}

	for i := 0; i < 2; i++ {
		if rr := do(t, srv, http.MethodGet, "/api/v1/health", "", hdr); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	if rr := do(t, srv, http.MethodGet, "/api/v1/health", "", hdr); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rr.Code)
	}
	// A different client has its own bucket.
	other := map[string]string{"X-Forwarded-For": "198.51.100.4"}
	if rr := do(t, srv, http.MethodGet, "/api/v1/health", "", other); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for other client, got %d", rr.Code)
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.0.2.1:5555", "", "192.0.2.1"},
		{"192.0.2.1:5555", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"[2001:db8::1]:443", "", "2001:db8::1"},
		{"unix", "", "unix"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientAddr(req); got != tt.want {
			t.Fatalf("clientAddr(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestRateLimiterEviction(t *testing.T) {
	m := newRateLimiterMap()
	m.getLimiter("192.0.2.1", 5, 0)
	m.limiters["192.0.2.1"].lastSeen = time.Now().Add(-2 * limiterIdle)
	m.getLimiter("192.0.2.2", 5, 0)

	if _, ok := m.limiters["192.0.2.1"]; ok {
		t.Fatal("expected idle limiter to be evicted")
	}
	if l := m.limiters["192.0.2.2"]; l == nil || l.limiter.Burst() != 5 {
		t.Fatal("expected burst to default to rps")
	}
}

func TestJobStreamPushesUpdates(t *testing.T) {
	jm := NewJobManager()
	srv := newTestServer(t, Config{Jobs: managerJobs{m: jm}, AuthToken: "secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/jobs-stream?token=secret"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	// Subscription happens after the upgrade; wait until the server has registered.
	deadline := time.Now().Add(2 * time.Second)
	for {
		jm.mu.RLock()
		n := len(jm.subscribers)
		jm.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	created := jm.CreateJob("pinning", "r-stream", []string{"com.example.app"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "job" || msg.Job.ID != created.ID || msg.Job.RunID != "r-stream" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestJobStreamRequiresToken(t *testing.T) {
	srv := newTestServer(t, Config{Jobs: managerJobs{m: NewJobManager()}, AuthToken: "secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/jobs-stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
